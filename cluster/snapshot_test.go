package cluster

import (
	"bufio"
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSnapshotter_RecordsAliveAndForwardsEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	outCh := make(chan Event, 16)
	shutdownCh := make(chan struct{})

	var clock, eventClock, queryClock LamportClock
	inCh, snap, err := NewSnapshotter(path, 1024*1024, log.New(bytes.NewBuffer(nil), "", 0),
		&clock, &eventClock, &queryClock, nil, outCh, shutdownCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	ev := MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "a", Addr: []byte{127, 0, 0, 1}, Port: 1000}}}
	inCh <- ev
	select {
	case got := <-outCh:
		if got.(MemberEvent).Members[0].Name != "a" {
			t.Fatalf("unexpected forwarded event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the event to be forwarded to outCh")
	}

	snap.Leave()
	close(shutdownCh)
	snap.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "alive: a 127.0.0.1:1000") {
		t.Fatalf("expected an alive record, got:\n%s", content)
	}
	if !strings.Contains(content, "leave") {
		t.Fatalf("expected a trailing leave record after a clean departure, got:\n%s", content)
	}
}

func TestSnapshotter_ReplayRecoversClocksAndAliveSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	raw := "alive: a 127.0.0.1:1000\n" +
		"alive: b 127.0.0.1:1001\n" +
		"not-alive: b\n" +
		"clock: 5\n" +
		"event-clock: 7\n" +
		"query-clock: 9\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("err: %v", err)
	}

	var clock, eventClock, queryClock LamportClock
	outCh := make(chan Event, 4)
	shutdownCh := make(chan struct{})
	defer close(shutdownCh)

	_, snap, err := NewSnapshotter(path, 1024*1024, log.New(bytes.NewBuffer(nil), "", 0),
		&clock, &eventClock, &queryClock, nil, outCh, shutdownCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if snap.LastClock() != 5 {
		t.Fatalf("expected recovered clock 5, got %d", snap.LastClock())
	}
	if snap.LastEventClock() != 7 {
		t.Fatalf("expected recovered event clock 7, got %d", snap.LastEventClock())
	}
	if snap.LastQueryClock() != 9 {
		t.Fatalf("expected recovered query clock 9, got %d", snap.LastQueryClock())
	}

	alive := snap.AliveNodes()
	if len(alive) != 1 || alive[0].Name != "a" {
		t.Fatalf("expected only 'a' to still be alive after its not-alive record, got %+v", alive)
	}
}

// A snapshot that was never cleanly left carries no trailing leave line,
// so a restart knows to attempt auto-rejoin.
func TestSnapshotter_UncleanShutdownHasNoLeaveRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	outCh := make(chan Event, 4)
	shutdownCh := make(chan struct{})

	var clock, eventClock, queryClock LamportClock
	inCh, snap, err := NewSnapshotter(path, 1024*1024, log.New(bytes.NewBuffer(nil), "", 0),
		&clock, &eventClock, &queryClock, nil, outCh, shutdownCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	inCh <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "a", Addr: []byte{127, 0, 0, 1}, Port: 1000}}}
	<-outCh

	// Simulate an unclean shutdown: cancel without calling Leave.
	close(shutdownCh)
	snap.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if scanner.Text() == "leave" {
			t.Fatalf("did not expect a leave record after an unclean shutdown")
		}
	}
}

func TestSnapshotter_CompactionPreservesAliveSetAndClocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	outCh := make(chan Event, 16)
	shutdownCh := make(chan struct{})
	defer close(shutdownCh)

	var clock, eventClock, queryClock LamportClock
	// A tiny max size forces compaction on the very first append.
	inCh, snap, err := NewSnapshotter(path, 1, log.New(bytes.NewBuffer(nil), "", 0),
		&clock, &eventClock, &queryClock, nil, outCh, shutdownCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	inCh <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "a", Addr: []byte{127, 0, 0, 1}, Port: 1000}}}
	<-outCh

	// Give the background stream loop a moment to process and compact.
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(string(data), "alive: a 127.0.0.1:1000") {
		t.Fatalf("expected the compacted snapshot to retain the alive record, got:\n%s", data)
	}

	alive := snap.AliveNodes()
	if len(alive) != 1 || alive[0].Name != "a" {
		t.Fatalf("expected the in-memory alive set to survive compaction, got %+v", alive)
	}
}
