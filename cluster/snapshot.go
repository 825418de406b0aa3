package cluster

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/serf/coordinate"
)

/*
The cluster package supports an append-only "snapshot" file that records
membership and clock events as they happen, so a restarted node can
recover its Lamport clocks and a list of peers to rejoin without waiting
to relearn them from scratch. The file is periodically compacted down to
just the currently-alive set plus the latest clocks, to keep it from
growing without bound on a long-lived node.
*/

const fsyncInterval = 100 * time.Millisecond
const clockUpdateInterval = 500 * time.Millisecond
const coordinateUpdateInterval = 60 * time.Second
const tmpExt = ".compact"

// Snapshotter ingests the cluster's event stream and persists it to disk,
// and replays that history back at startup.
type Snapshotter struct {
	aliveNodes     map[string]string
	aliveTags      map[string]map[string]string
	coordClient    *coordinate.Client
	lastCoordinate *coordinate.Coordinate
	clock          *LamportClock
	eventClock     *LamportClock
	queryClock     *LamportClock
	fh             *os.File
	inCh           <-chan Event
	lastFsync      time.Time
	lastClock      LamportTime
	lastEventClock LamportTime
	lastQueryClock LamportTime
	leaveCh        chan struct{}
	leaving        bool
	logger         *log.Logger
	maxSize        int64
	path           string
	offset         int64
	outCh          chan<- Event
	shutdownCh     <-chan struct{}
	waitCh         chan struct{}
}

// PreviousNode represents a node that was alive the last time this
// instance shut down.
type PreviousNode struct {
	Name string
	Addr string
}

func (p PreviousNode) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Addr)
}

// NewSnapshotter opens (or creates) the snapshot at path, replays its
// existing contents into the given clocks, and returns the channel the
// caller should treat as its event sink from then on: every event passed
// to it is persisted as needed and then forwarded unchanged to outCh.
func NewSnapshotter(path string, maxSize int, logger *log.Logger,
	clock, eventClock, queryClock *LamportClock, coordClient *coordinate.Client,
	outCh chan<- Event, shutdownCh <-chan struct{}) (chan Event, *Snapshotter, error) {
	inCh := make(chan Event, 1024)

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0755)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: failed to open snapshot: %v", err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("cluster: failed to stat snapshot: %v", err)
	}

	snap := &Snapshotter{
		aliveNodes:  make(map[string]string),
		aliveTags:   make(map[string]map[string]string),
		coordClient: coordClient,
		clock:       clock,
		eventClock:  eventClock,
		queryClock:  queryClock,
		fh:          fh,
		inCh:        inCh,
		leaveCh:     make(chan struct{}),
		logger:      logger,
		maxSize:     int64(maxSize),
		path:        path,
		offset:      info.Size(),
		outCh:       outCh,
		shutdownCh:  shutdownCh,
		waitCh:      make(chan struct{}),
	}

	if err := snap.replay(); err != nil {
		fh.Close()
		return nil, nil, err
	}

	go snap.stream()
	return inCh, snap, nil
}

// LastClock returns the membership Lamport clock recovered from the
// snapshot.
func (s *Snapshotter) LastClock() LamportTime { return s.lastClock }

// LastEventClock returns the user-event Lamport clock recovered from the
// snapshot.
func (s *Snapshotter) LastEventClock() LamportTime { return s.lastEventClock }

// LastQueryClock returns the query Lamport clock recovered from the
// snapshot.
func (s *Snapshotter) LastQueryClock() LamportTime { return s.lastQueryClock }

// LastCoordinate returns the network coordinate recovered from the
// snapshot, or nil if none was recorded.
func (s *Snapshotter) LastCoordinate() *coordinate.Coordinate { return s.lastCoordinate }

// AliveNodes returns the last known alive members, in random order (so
// many nodes restarting together don't all hammer the same peer first).
func (s *Snapshotter) AliveNodes() []*PreviousNode {
	previous := make([]*PreviousNode, 0, len(s.aliveNodes))
	for name, addr := range s.aliveNodes {
		previous = append(previous, &PreviousNode{name, addr})
	}
	for i := range previous {
		j := rand.Intn(i + 1)
		previous[i], previous[j] = previous[j], previous[i]
	}
	return previous
}

// Wait blocks until the snapshotter has finished shutting down.
func (s *Snapshotter) Wait() {
	<-s.waitCh
}

// Leave clears the known-alive set and marks the snapshot as a clean
// departure, so a subsequent restart won't try to auto-rejoin.
func (s *Snapshotter) Leave() {
	select {
	case s.leaveCh <- struct{}{}:
	case <-s.shutdownCh:
	}
}

func (s *Snapshotter) stream() {
	coordinateTicker := time.NewTicker(coordinateUpdateInterval)
	defer coordinateTicker.Stop()

	for {
		select {
		case <-s.leaveCh:
			s.aliveNodes = make(map[string]string)
			s.leaving = true
			s.tryAppend("leave\n")
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] cluster: failed to sync leave to snapshot: %v", err)
			}

		case e := <-s.inCh:
			if s.outCh != nil {
				s.outCh <- e
			}
			if s.leaving {
				continue
			}
			switch typed := e.(type) {
			case MemberEvent:
				s.processMemberEvent(typed)
			case UserEvent:
				s.processUserEvent(typed)
			case *Query:
				s.processQuery(typed)
			default:
				s.logger.Printf("[ERR] cluster: unknown event type for snapshot: %#v", e)
			}

		case <-time.After(clockUpdateInterval):
			s.updateClock()

		case <-coordinateTicker.C:
			if !s.leaving {
				s.updateCoordinate()
			}

		case <-s.shutdownCh:
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] cluster: failed to sync snapshot: %v", err)
			}
			s.fh.Close()
			close(s.waitCh)
			return
		}
	}
}

func (s *Snapshotter) processMemberEvent(e MemberEvent) {
	switch e.Type {
	case EventMemberJoin, EventMemberUpdate:
		for _, mem := range e.Members {
			addr := net.TCPAddr{IP: mem.Addr, Port: int(mem.Port)}
			s.aliveNodes[mem.Name] = addr.String()
			s.tryAppend(fmt.Sprintf("alive: %s %s\n", mem.Name, addr.String()))
			if len(mem.Tags) > 0 {
				s.aliveTags[mem.Name] = mem.Tags
				s.tryAppend(fmt.Sprintf("tags: %s %s\n", mem.Name, encodeSnapshotTags(mem.Tags)))
			}
		}

	case EventMemberLeave, EventMemberFailed:
		for _, mem := range e.Members {
			delete(s.aliveNodes, mem.Name)
			delete(s.aliveTags, mem.Name)
			s.tryAppend(fmt.Sprintf("not-alive: %s\n", mem.Name))
		}
	}
	s.updateClock()
}

// updateClock is called periodically (and after every member event) since
// the clock can advance from join/leave intents that never produce a
// member event the snapshotter directly observes.
func (s *Snapshotter) updateClock() {
	if lastSeen := s.clock.Time() - 1; lastSeen > s.lastClock {
		s.lastClock = lastSeen
		s.tryAppend(fmt.Sprintf("clock: %d\n", s.lastClock))
	}
	if lastSeen := s.queryClock.Time() - 1; lastSeen > s.lastQueryClock {
		s.lastQueryClock = lastSeen
		s.tryAppend(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock))
	}
}

func (s *Snapshotter) processUserEvent(e UserEvent) {
	if e.LTime <= s.lastEventClock {
		return
	}
	s.lastEventClock = e.LTime
	s.tryAppend(fmt.Sprintf("event-clock: %d\n", e.LTime))
}

func (s *Snapshotter) processQuery(q *Query) {
	if q.LTime() <= s.lastQueryClock {
		return
	}
	s.lastQueryClock = q.LTime()
	s.tryAppend(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock))
}

// updateCoordinate persists our own current coordinate, so a restarted
// instance starts its Vivaldi client from a reasonable prior instead of
// the origin. Runs on the stream goroutine's own ticker since coordinate
// updates aren't Events.
func (s *Snapshotter) updateCoordinate() {
	if s.coordClient == nil {
		return
	}
	coord := s.coordClient.GetCoordinate()
	s.lastCoordinate = coord
	encoded, err := encodeSnapshotCoordinate(coord)
	if err != nil {
		s.logger.Printf("[ERR] cluster: failed to encode coordinate for snapshot: %v", err)
		return
	}
	s.tryAppend(fmt.Sprintf("coordinate: %s\n", encoded))
}

func (s *Snapshotter) tryAppend(l string) {
	if err := s.appendLine(l); err != nil {
		s.logger.Printf("[ERR] cluster: failed to update snapshot: %v", err)
	}
}

func (s *Snapshotter) appendLine(l string) error {
	n, err := s.fh.WriteString(l)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Sub(s.lastFsync) > fsyncInterval {
		s.lastFsync = now
		if err := s.fh.Sync(); err != nil {
			return err
		}
	}

	s.offset += int64(n)
	if s.offset > s.maxSize {
		return s.compact()
	}
	return nil
}

// compact rewrites the snapshot down to just the alive set (with tags),
// the latest clocks, and swaps it in atomically via rename.
func (s *Snapshotter) compact() error {
	newPath := s.path + tmpExt
	fh, err := os.OpenFile(newPath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0755)
	if err != nil {
		return fmt.Errorf("cluster: failed to open new snapshot: %v", err)
	}

	var offset int64
	write := func(line string) error {
		n, err := fh.WriteString(line)
		if err != nil {
			fh.Close()
			return err
		}
		offset += int64(n)
		return nil
	}

	for name, addr := range s.aliveNodes {
		if err := write(fmt.Sprintf("alive: %s %s\n", name, addr)); err != nil {
			return err
		}
		if tags, ok := s.aliveTags[name]; ok {
			if err := write(fmt.Sprintf("tags: %s %s\n", name, encodeSnapshotTags(tags))); err != nil {
				return err
			}
		}
	}
	if err := write(fmt.Sprintf("clock: %d\n", s.lastClock)); err != nil {
		return err
	}
	if err := write(fmt.Sprintf("event-clock: %d\n", s.lastEventClock)); err != nil {
		return err
	}
	if err := write(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock)); err != nil {
		return err
	}
	if s.lastCoordinate != nil {
		encoded, err := encodeSnapshotCoordinate(s.lastCoordinate)
		if err == nil {
			if err := write(fmt.Sprintf("coordinate: %s\n", encoded)); err != nil {
				return err
			}
		}
	}

	if err := os.Rename(newPath, s.path); err != nil {
		fh.Close()
		return fmt.Errorf("cluster: failed to install new snapshot: %v", err)
	}

	s.fh.Close()
	s.fh = fh
	s.offset = offset
	s.lastFsync = time.Now()
	return nil
}

func (s *Snapshotter) replay() error {
	if _, err := s.fh.Seek(0, os.SEEK_SET); err != nil {
		return err
	}

	reader := bufio.NewReader(s.fh)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = line[:len(line)-1]

		switch {
		case strings.HasPrefix(line, "alive: "):
			info := strings.TrimPrefix(line, "alive: ")
			idx := strings.LastIndex(info, " ")
			if idx == -1 {
				s.logger.Printf("[WARN] cluster: failed to parse address: %v", line)
				continue
			}
			s.aliveNodes[info[:idx]] = info[idx+1:]

		case strings.HasPrefix(line, "not-alive: "):
			name := strings.TrimPrefix(line, "not-alive: ")
			delete(s.aliveNodes, name)
			delete(s.aliveTags, name)

		case strings.HasPrefix(line, "tags: "):
			info := strings.TrimPrefix(line, "tags: ")
			idx := strings.Index(info, " ")
			if idx == -1 {
				s.logger.Printf("[WARN] cluster: failed to parse tags line: %v", line)
				continue
			}
			name, encoded := info[:idx], info[idx+1:]
			tags, err := decodeSnapshotTags(encoded)
			if err != nil {
				s.logger.Printf("[WARN] cluster: failed to decode tags line: %v", err)
				continue
			}
			s.aliveTags[name] = tags

		case strings.HasPrefix(line, "coordinate: "):
			encoded := strings.TrimPrefix(line, "coordinate: ")
			coord, err := decodeSnapshotCoordinate(encoded)
			if err != nil {
				s.logger.Printf("[WARN] cluster: failed to decode coordinate line: %v", err)
				continue
			}
			s.lastCoordinate = coord

		case strings.HasPrefix(line, "clock: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "clock: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: failed to parse clock: %v", err)
				continue
			}
			s.lastClock = LamportTime(v)

		case strings.HasPrefix(line, "event-clock: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "event-clock: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: failed to parse event clock: %v", err)
				continue
			}
			s.lastEventClock = LamportTime(v)

		case strings.HasPrefix(line, "query-clock: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "query-clock: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: failed to parse query clock: %v", err)
				continue
			}
			s.lastQueryClock = LamportTime(v)

		case line == "leave":
			s.aliveNodes = make(map[string]string)
			s.aliveTags = make(map[string]map[string]string)
			s.lastClock = 0
			s.lastEventClock = 0
			s.lastQueryClock = 0

		case strings.HasPrefix(line, "#"):
			// comment

		default:
			s.logger.Printf("[WARN] cluster: unrecognized snapshot line: %v", line)
		}
	}

	if _, err := s.fh.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	return nil
}

func encodeSnapshotTags(tags map[string]string) string {
	buf, err := encodeMessage(messageType(0), tags, false)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf[1:])
}

func decodeSnapshotTags(encoded string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string)
	if err := decodeMessage(raw, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func encodeSnapshotCoordinate(coord *coordinate.Coordinate) (string, error) {
	buf, err := encodeMessage(messageType(0), coord, false)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf[1:]), nil
}

func decodeSnapshotCoordinate(encoded string) (*coordinate.Coordinate, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var coord coordinate.Coordinate
	if err := decodeMessage(raw, &coord); err != nil {
		return nil, err
	}
	return &coord, nil
}
