package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/metcal/internal/metrics"
)

const defaultFTPTimeout = 30 * time.Second

// FTPConfig describes the remote archive holding model and SILO extracts.
type FTPConfig struct {
	Addr     string
	User     string
	Password string
	Timeout  time.Duration
}

// RemoteFile maps an archive path to a local destination.
type RemoteFile struct {
	Remote string
	Local  string
}

// conn is the subset of *ftp.ServerConn the fetcher needs.
type conn interface {
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

type dialFunc func(ctx context.Context, cfg FTPConfig) (conn, error)

type ftpConn struct {
	*ftp.ServerConn
}

func (c ftpConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

func dialFTP(ctx context.Context, cfg FTPConfig) (conn, error) {
	c, err := ftp.Dial(cfg.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	user, pass := cfg.User, cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}
	return ftpConn{c}, nil
}

// Fetcher mirrors remote input files into the local tree the batch config
// points at.
type Fetcher struct {
	cfg     FTPConfig
	logger  *slog.Logger
	dial    dialFunc
	backoff func() backoff.BackOff
}

func NewFetcher(cfg FTPConfig, logger *slog.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultFTPTimeout
	}
	return &Fetcher{
		cfg:    cfg,
		logger: logger.With("component", "fetch"),
		dial:   dialFTP,
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		},
	}
}

// FetchReport lists what happened to each requested file.
type FetchReport struct {
	Fetched []string
	Skipped []string
	Failed  map[string]error
}

// Fetch downloads every file. Existing local files are kept unless force is
// set. A failure on one file does not stop the rest.
func (f *Fetcher) Fetch(ctx context.Context, files []RemoteFile, force bool) (*FetchReport, error) {
	report := &FetchReport{Failed: map[string]error{}}

	var pending []RemoteFile
	for _, rf := range files {
		if !force {
			if _, err := os.Stat(rf.Local); err == nil {
				report.Skipped = append(report.Skipped, rf.Local)
				metrics.FTPFetchesTotal.WithLabelValues("skipped").Inc()
				continue
			}
		}
		pending = append(pending, rf)
	}
	if len(pending) == 0 {
		return report, nil
	}

	var c conn
	err := backoff.Retry(func() error {
		var err error
		c, err = f.dial(ctx, f.cfg)
		return err
	}, backoff.WithContext(f.backoff(), ctx))
	if err != nil {
		return nil, err
	}
	defer c.Quit()

	for _, rf := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := backoff.Retry(func() error {
			return f.fetchOne(c, rf)
		}, backoff.WithContext(f.backoff(), ctx))
		if err != nil {
			f.logger.Error("fetch failed", "remote", rf.Remote, "error", err)
			report.Failed[rf.Remote] = err
			metrics.FTPFetchesTotal.WithLabelValues("failed").Inc()
			continue
		}
		f.logger.Info("fetched", "remote", rf.Remote, "local", rf.Local)
		report.Fetched = append(report.Fetched, rf.Local)
		metrics.FTPFetchesTotal.WithLabelValues("ok").Inc()
	}
	return report, nil
}

func (f *Fetcher) fetchOne(c conn, rf RemoteFile) error {
	resp, err := c.Retr(rf.Remote)
	if err != nil {
		if isNotFound(err) {
			return backoff.Permanent(fmt.Errorf("ftp retr %s: %w", rf.Remote, err))
		}
		return fmt.Errorf("ftp retr %s: %w", rf.Remote, err)
	}
	defer resp.Close()

	if err := os.MkdirAll(filepath.Dir(rf.Local), 0o755); err != nil {
		return backoff.Permanent(fmt.Errorf("create dir: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(rf.Local), "."+filepath.Base(rf.Local)+".*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp); err != nil {
		tmp.Close()
		return fmt.Errorf("read %s: %w", rf.Remote, err)
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmp.Name(), rf.Local); err != nil {
		return backoff.Permanent(fmt.Errorf("rename: %w", err))
	}
	return nil
}

// isNotFound matches the 550 reply servers send for missing paths.
func isNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}
