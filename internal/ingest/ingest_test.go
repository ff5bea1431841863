package ingest

import (
	"context"
	"errors"
	"io"
	"math"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/metcal/internal/logging"
)

func nan() float64 { return math.NaN() }

func clean() Record {
	return Record{Radn: 20, MaxT: 28, MinT: 12, Rain: 0, Evap: 6.4, VP: 14.2}
}

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *Record)
		wantFlags []string
	}{
		{
			name:      "valid record - no flags",
			mutate:    func(r *Record) {},
			wantFlags: nil,
		},
		{
			name: "all missing - no flags",
			mutate: func(r *Record) {
				*r = Record{Radn: nan(), MaxT: nan(), MinT: nan(), Rain: nan(), Evap: nan(), VP: nan()}
			},
			wantFlags: nil,
		},
		{
			name:      "maxt too hot",
			mutate:    func(r *Record) { r.MaxT = 65 },
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "maxt below mint",
			mutate:    func(r *Record) { r.MaxT, r.MinT = 10, 12 },
			wantFlags: []string{FlagTempInverted},
		},
		{
			name:      "mint missing skips inversion check",
			mutate:    func(r *Record) { r.MaxT, r.MinT = 10, nan() },
			wantFlags: nil,
		},
		{
			name:      "negative radiation",
			mutate:    func(r *Record) { r.Radn = -1 },
			wantFlags: []string{FlagRadnOutOfRange},
		},
		{
			name:      "radiation at boundary - valid",
			mutate:    func(r *Record) { r.Radn = 45 },
			wantFlags: nil,
		},
		{
			name:      "negative rain",
			mutate:    func(r *Record) { r.Rain = -0.1 },
			wantFlags: []string{FlagRainNegative},
		},
		{
			name:      "negative evap",
			mutate:    func(r *Record) { r.Evap = -2 },
			wantFlags: []string{FlagEvapNegative},
		},
		{
			name:      "negative vp",
			mutate:    func(r *Record) { r.VP = -0.5 },
			wantFlags: []string{FlagVPNegative},
		},
		{
			name:      "vp implausibly high",
			mutate:    func(r *Record) { r.VP = 95 },
			wantFlags: []string{FlagVPUnlikely},
		},
		{
			name: "multiple flags",
			mutate: func(r *Record) {
				r.Rain = -1
				r.Evap = -1
				r.VP = -1
			},
			wantFlags: []string{FlagRainNegative, FlagEvapNegative, FlagVPNegative},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := clean()
			tt.mutate(&r)
			got := ValidateRecord(r)

			sort.Strings(got)
			want := append([]string(nil), tt.wantFlags...)
			sort.Strings(want)

			if len(got) != len(want) {
				t.Fatalf("ValidateRecord() = %v, want %v", got, want)
			}
			for i := range got {
				if got[i] != want[i] {
					t.Errorf("ValidateRecord() = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestFlagCounts(t *testing.T) {
	c := FlagCounts{}
	c.Add([]string{FlagVPNegative, FlagRainNegative})
	c.Add([]string{FlagVPNegative})
	c.Add(nil)

	if c.Total() != 3 {
		t.Errorf("Total() = %d, want 3", c.Total())
	}
	if c[FlagVPNegative] != 2 {
		t.Errorf("vp_negative = %d, want 2", c[FlagVPNegative])
	}
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != FlagRainNegative {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestQualityFlagsToJSON(t *testing.T) {
	if got := QualityFlagsToJSON(nil); got != "" {
		t.Errorf("QualityFlagsToJSON(nil) = %q, want empty", got)
	}
	if got := QualityFlagsToJSON([]string{FlagVPNegative}); got != `["vp_negative"]` {
		t.Errorf("QualityFlagsToJSON() = %q", got)
	}
}

type fakeConn struct {
	files    map[string]string
	failures map[string]int
	retrs    map[string]int
	quit     bool
}

func (c *fakeConn) Retr(path string) (io.ReadCloser, error) {
	c.retrs[path]++
	if c.failures[path] > 0 {
		c.failures[path]--
		return nil, errors.New("connection reset")
	}
	body, ok := c.files[path]
	if !ok {
		return nil, &textproto.Error{Code: 550, Msg: "No such file or directory"}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (c *fakeConn) Quit() error {
	c.quit = true
	return nil
}

func testFetcher(c *fakeConn) *Fetcher {
	f := NewFetcher(FTPConfig{Addr: "archive.test:21"}, logging.Discard())
	f.dial = func(context.Context, FTPConfig) (conn, error) { return c, nil }
	f.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return f
}

func TestFetcher_Fetch(t *testing.T) {
	dir := t.TempDir()
	c := &fakeConn{
		files: map[string]string{
			"/silo/wandi.met":  "[weather.met.weather]\n",
			"/cmip6/wandi.csv": "date,value\n",
		},
		failures: map[string]int{"/cmip6/wandi.csv": 2},
		retrs:    map[string]int{},
	}

	existing := filepath.Join(dir, "kept.met")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	files := []RemoteFile{
		{Remote: "/silo/wandi.met", Local: filepath.Join(dir, "silo", "wandi.met")},
		{Remote: "/cmip6/wandi.csv", Local: filepath.Join(dir, "cmip6", "wandi.csv")},
		{Remote: "/missing.met", Local: filepath.Join(dir, "missing.met")},
		{Remote: "/kept.met", Local: existing},
	}

	report, err := testFetcher(c).Fetch(context.Background(), files, false)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(report.Fetched) != 2 {
		t.Errorf("Fetched = %v, want 2 files", report.Fetched)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != existing {
		t.Errorf("Skipped = %v", report.Skipped)
	}
	if _, ok := report.Failed["/missing.met"]; !ok {
		t.Errorf("Failed = %v, want /missing.met", report.Failed)
	}
	if c.retrs["/missing.met"] != 1 {
		t.Errorf("missing file retried %d times, want 1", c.retrs["/missing.met"])
	}
	if c.retrs["/cmip6/wandi.csv"] != 3 {
		t.Errorf("transient failure retried %d times, want 3", c.retrs["/cmip6/wandi.csv"])
	}
	if !c.quit {
		t.Error("connection not closed")
	}

	got, err := os.ReadFile(filepath.Join(dir, "silo", "wandi.met"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "[weather.met.weather]\n" {
		t.Errorf("local content = %q", got)
	}
	if kept, _ := os.ReadFile(existing); string(kept) != "old" {
		t.Errorf("existing file overwritten: %q", kept)
	}
}

func TestFetcher_ForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "wandi.met")
	if err := os.WriteFile(local, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := &fakeConn{files: map[string]string{"/wandi.met": "new"}, retrs: map[string]int{}}

	if _, err := testFetcher(c).Fetch(context.Background(), []RemoteFile{{Remote: "/wandi.met", Local: local}}, true); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(local)
	if string(got) != "new" {
		t.Errorf("content = %q, want new", got)
	}
}

func TestFetcher_NothingPendingSkipsDial(t *testing.T) {
	f := NewFetcher(FTPConfig{}, logging.Discard())
	f.dial = func(context.Context, FTPConfig) (conn, error) {
		t.Fatal("dial called with nothing to fetch")
		return nil, nil
	}
	report, err := f.Fetch(context.Background(), nil, false)
	if err != nil || len(report.Fetched) != 0 {
		t.Fatalf("Fetch() = %v, %v", report, err)
	}
}
