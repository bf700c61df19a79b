package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLogWritesOneJSONLinePerEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.jsonl")

	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	entries := []Entry{
		NewEntry(EventConnectionAccepted, "PP-AAAA-BBBB-CCCC-0").WithPeerID("PP-XXXX-YYYY-ZZZZ-1"),
		NewEntry(EventSessionDenied, "PP-AAAA-BBBB-CCCC-0").WithReason("busy").WithTestID("t-1"),
	}
	for _, e := range entries {
		if err := log.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != len(entries) {
		t.Fatalf("got %d lines, want %d", len(lines), len(entries))
	}

	for i, line := range lines {
		var decoded Entry
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("line %d: unmarshal: %v", i, err)
		}
		if decoded.EventType != entries[i].EventType {
			t.Errorf("line %d: event type = %q, want %q", i, decoded.EventType, entries[i].EventType)
		}
	}
}

func TestOptionalFieldsOmittedWhenAbsent(t *testing.T) {
	entry := NewEntry(EventPairingEnabled, "PP-AAAA-BBBB-CCCC-0")
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(raw)
	for _, field := range []string{"peer_id", "test_type", "test_id", "reason", "bytes", "duration_sec"} {
		if strings.Contains(s, `"`+field+`"`) {
			t.Errorf("unset field %q was serialized: %s", field, s)
		}
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := NewEntry(EventSessionCompleted, "PP-AAAA-BBBB-CCCC-0").WithTestID("t")
			if err := log.Log(e); err != nil {
				t.Errorf("Log: %v", err)
			}
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded Entry
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("interleaved/corrupt line: %v (%q)", err, scanner.Text())
		}
		count++
	}
	if count != n {
		t.Fatalf("got %d lines, want %d", count, n)
	}
}
