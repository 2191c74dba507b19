package dag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenyadata/gdpetl/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExampleParsesWithDefaults(t *testing.T) {
	d, err := Parse(exampleYAML, DefaultDefaults())
	if err != nil {
		t.Fatalf("Parse example: %v", err)
	}
	if d.Name != model.DefaultDAGName || d.Schedule != "0 8 * * *" || d.Timezone != "Africa/Nairobi" {
		t.Errorf("example = %+v", d)
	}
	if d.MaxAttempts != 3 || d.RetryDelay != 5*time.Minute {
		t.Errorf("retry settings = %d/%s", d.MaxAttempts, d.RetryDelay)
	}
	if d.Target.Table != "economic_data.kenyan_gdp" || d.Target.LoadMode != model.LoadReplacePartitions {
		t.Errorf("target = %+v", d.Target)
	}
	if len(d.Tags) != 4 {
		t.Errorf("tags = %v", d.Tags)
	}
}

func TestParseFillsDefaults(t *testing.T) {
	d, err := Parse([]byte("name: minimal\n"), DefaultDefaults())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Schedule != model.DefaultSchedule || d.Source.URL != model.DefaultSourceURL || d.MaxAttempts != 3 {
		t.Errorf("defaults not applied: %+v", d)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: x\nschedul: '* * * * *'\n", "schedul"},
		{"bad name", "name: Bad-Name\n", "name"},
		{"bad cron", "name: x\nschedule: every day\n", "schedule"},
		{"bad timezone", "name: x\ntimezone: Mars/Olympus\n", "timezone"},
		{"too many attempts", "name: x\nmax_attempts: 5\n", "max_attempts"},
		{"bad table", "name: x\ntarget:\n  table: a.b.c\n", "target.table"},
		{"bad load mode", "name: x\ntarget:\n  load_mode: merge\n", "load_mode"},
		{"bad duration", "name: x\nretry_delay: soon\n", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), DefaultDefaults())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNextRunUsesTimezone(t *testing.T) {
	d, err := Parse(exampleYAML, DefaultDefaults())
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC) // 09:00 in Nairobi
	next, err := d.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2024, 5, 2, 5, 0, 0, 0, time.UTC) // 08:00 EAT
	if !next.Equal(want) {
		t.Errorf("NextRun = %s, want %s", next.UTC(), want)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "name: beta\n")
	writeFile(t, dir, "a.yml", "name: alpha\npaused: true\n")
	writeFile(t, dir, "dup.yaml", "name: alpha\n")
	writeFile(t, dir, "broken.yaml", "name: [\n")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, ".hidden.yaml", "name: hidden\n")

	defs, err := LoadDir(dir, DefaultDefaults())
	if err == nil {
		t.Fatal("expected joined error for broken and duplicate files")
	}
	if !strings.Contains(err.Error(), "broken.yaml") || !strings.Contains(err.Error(), "already defined") {
		t.Errorf("err = %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("defs = %v", defs)
	}
	if !defs[0].Paused || defs[0].File == "" {
		t.Errorf("alpha = %+v", defs[0])
	}

	set := NewSet(defs)
	if set.Len() != 2 {
		t.Errorf("set len = %d", set.Len())
	}
	if _, err := set.Get("gamma"); !errors.Is(err, ErrUnknownDAG) {
		t.Errorf("Get(gamma) err = %v", err)
	}
}

func TestWriteExampleDoesNotOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dags")
	wrote, err := WriteExample(dir)
	if err != nil || !wrote {
		t.Fatalf("first WriteExample = %v, %v", wrote, err)
	}
	p := filepath.Join(dir, ExampleFileName)
	if err := os.WriteFile(p, []byte("name: edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	wrote, err = WriteExample(dir)
	if err != nil || wrote {
		t.Fatalf("second WriteExample = %v, %v", wrote, err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "name: edited\n" {
		t.Errorf("example was overwritten: %q", data)
	}
}

func TestWatchDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, dir, 50*time.Millisecond, func() { calls.Add(1) }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		writeFile(t, dir, "x.yaml", "name: x\n")
	}
	writeFile(t, dir, "ignored.txt", "x")

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("onChange calls = %d, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
