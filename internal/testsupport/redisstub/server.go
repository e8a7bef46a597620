// Package redisstub runs a minimal in-process Redis stream server for
// queue tests. It speaks just enough RESP for a single consumer group:
// XADD, XGROUP CREATE, XREADGROUP, XAUTOCLAIM, XACK and XLEN.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Server struct {
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	closed   chan struct{}
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	nextIndex int
	pending   map[string]*pendingEntry
}

type pendingEntry struct {
	index       int
	deliveredAt time.Time
	deliveries  int
}

func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*stream),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// PendingCount reports how many delivered entries are still unacknowledged.
func (s *Server) PendingCount(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	return len(grp.pending)
}

// AgePending backdates every pending delivery so tests can exercise idle
// reclaim without sleeping.
func (s *Server) AgePending(streamName, groupName string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return
	}
	for _, p := range grp.pending {
		p.deliveredAt = p.deliveredAt.Add(-age)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		var ok bool
		switch cmd {
		case "PING":
			ok = writeSimpleString(writer, "PONG") == nil
		case "SELECT", "CLIENT":
			ok = writeSimpleString(writer, "OK") == nil
		case "XADD":
			ok = s.handleXAdd(writer, args)
		case "XGROUP":
			ok = s.handleXGroup(writer, args)
		case "XREADGROUP":
			ok = s.handleXReadGroup(writer, args)
		case "XAUTOCLAIM":
			ok = s.handleXAutoClaim(writer, args)
		case "XACK":
			ok = s.handleXAck(writer, args)
		case "XLEN":
			ok = s.handleXLen(writer, args)
		default:
			ok = writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0])) == nil
		}
		if !ok {
			return
		}
	}
}

func (s *Server) handleXLen(writer *bufio.Writer, args []string) bool {
	if len(args) != 2 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xlen'")
		return false
	}
	s.mu.Lock()
	var length int64
	if strm, ok := s.streams[args[1]]; ok {
		length = int64(len(strm.entries))
	}
	s.mu.Unlock()
	return writeInteger(writer, length) == nil
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
		return false
	}
	streamName := args[1]
	id := args[2]
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	s.mu.Lock()
	strm := s.ensureStream(streamName)
	if id == "*" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), len(strm.entries))
	}
	strm.entries = append(strm.entries, entry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id) == nil
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		_ = writeError(writer, "ERR only XGROUP CREATE is supported")
		return false
	}
	streamName := args[2]
	groupName := args[3]
	s.mu.Lock()
	strm := s.ensureStream(streamName)
	if _, exists := strm.groups[groupName]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists") == nil
	}
	strm.groups[groupName] = &group{pending: make(map[string]*pendingEntry)}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	var groupName, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			groupName = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid COUNT")
				return false
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid BLOCK")
				return false
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		_ = writeError(writer, "ERR missing stream or group")
		return false
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records := s.readGroup(streamName, groupName, count)
		if len(records) > 0 {
			reply := []interface{}{[]interface{}{streamName, records}}
			return writeArray(writer, reply) == nil
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer) == nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
		return false
	}
	streamName := args[1]
	groupName := args[2]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		_ = writeError(writer, "ERR invalid min-idle-time")
		return false
	}
	count := 100
	for i := 6; i+1 < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" {
			if v, err := strconv.Atoi(args[i+1]); err == nil {
				count = v
			}
		}
	}
	records := s.claimIdle(streamName, groupName, time.Duration(minIdleMs)*time.Millisecond, count)
	reply := []interface{}{"0-0", records, []interface{}{}}
	return writeArray(writer, reply) == nil
}

func (s *Server) handleXAck(writer *bufio.Writer, args []string) bool {
	if len(args) < 4 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xack'")
		return false
	}
	acked := s.ack(args[1], args[2], args[3:])
	return writeInteger(writer, int64(acked)) == nil
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) readGroup(streamName, groupName string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	grp, ok := strm.groups[groupName]
	if !ok {
		grp = &group{pending: make(map[string]*pendingEntry)}
		strm.groups[groupName] = grp
	}
	start := grp.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	now := time.Now()
	for i := start; i < end; i++ {
		e := strm.entries[i]
		grp.pending[e.id] = &pendingEntry{index: i, deliveredAt: now, deliveries: 1}
		records = append(records, []interface{}{e.id, flatten(e.values)})
	}
	grp.nextIndex = end
	return records
}

func (s *Server) claimIdle(streamName, groupName string, minIdle time.Duration, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return []interface{}{}
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return []interface{}{}
	}
	now := time.Now()
	records := make([]interface{}, 0)
	// Entries iterate in stream order so redelivery is deterministic.
	for _, e := range strm.entries {
		if len(records) >= count {
			break
		}
		p, pending := grp.pending[e.id]
		if !pending || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.deliveredAt = now
		p.deliveries++
		records = append(records, []interface{}{e.id, flatten(e.values)})
	}
	return records
}

func (s *Server) ack(streamName, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := grp.pending[id]; exists {
			delete(grp.pending, id)
			count++
		}
	}
	return count
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			sv := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(sv), sv); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
