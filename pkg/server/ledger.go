package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/livefish/cmdrelay/pkg/journal"
)

// PendingResult is the result text of a request no client has reported on yet
const PendingResult = "NaN"

// Request is one command sent by an admin to a client
type Request struct {
	ID       int64
	AdminID  int32
	ClientID int32
	Command  string
	Args     string
	Result   string
	IssuedAt time.Time
}

// journalFields escapes line breaks and the field separator so a field fits
// on one journal line and splits back out
var journalFields = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "$", `\u0024`)

// journalLine renders a finished request for the FinishedRequests journal
func (r Request) journalLine(at time.Time) string {
	return journal.Line(
		journal.FormatTimestamp(at),
		strconv.FormatInt(int64(r.AdminID), 10),
		strconv.FormatInt(int64(r.ClientID), 10),
		journalFields.Replace(r.Command),
		journalFields.Replace(r.Args),
		journalFields.Replace(r.Result),
	)
}

// Ledger holds in-flight requests and allocates request ids. Ids come from a
// counter that only grows; the highest issued id is rewritten to the
// CommandIds journal on every allocation and completion.
type Ledger struct {
	mu      sync.Mutex
	lastID  int64
	pending map[int64]*Request
	journal journal.Journal
}

// NewLedger creates a ledger whose first issued id is seed+1
func NewLedger(j journal.Journal, seed int64) *Ledger {
	if seed < 0 {
		seed = 0
	}
	return &Ledger{
		lastID:  seed,
		pending: make(map[int64]*Request),
		journal: j,
	}
}

// writeCommandID must be called with mu held
func (l *Ledger) writeCommandID() {
	if l.journal == nil {
		return
	}
	line := strconv.FormatInt(l.lastID, 10)
	if err := l.journal.ClearAndRecord(journal.CommandIds, line); err != nil {
		errorLog.Printf("Failed to persist request id %d: %v", l.lastID, err)
	}
}

// Issue allocates the next id and inserts a pending request
func (l *Ledger) Issue(adminID, clientID int32, command, args string) Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	req := &Request{
		ID:       l.lastID,
		AdminID:  adminID,
		ClientID: clientID,
		Command:  command,
		Args:     args,
		Result:   PendingResult,
		IssuedAt: time.Now(),
	}
	l.pending[req.ID] = req
	l.writeCommandID()
	return *req
}

// Withdraw removes a pending request that was never delivered. The id stays
// consumed.
func (l *Ledger) Withdraw(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	return true
}

// Complete records result for request id reported by clientID, journals the
// finished request and evicts it. Unknown ids fail with ErrRequestNotFound and
// reports from a client other than the target with ErrNotRequestTarget; in
// both cases the ledger is unchanged.
func (l *Ledger) Complete(id int64, clientID int32, result string) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.pending[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if req.ClientID != clientID {
		return Request{}, fmt.Errorf("%w: request %d targets client %d, not %d",
			ErrNotRequestTarget, id, req.ClientID, clientID)
	}

	delete(l.pending, id)
	done := *req
	done.Result = result

	if l.journal != nil {
		if err := l.journal.Record(journal.FinishedRequests, done.journalLine(time.Now())); err != nil {
			errorLog.Printf("Failed to journal finished request %d: %v", id, err)
		}
	}
	l.writeCommandID()
	return done, nil
}

// Lookup returns a pending request by id
func (l *Ledger) Lookup(id int64) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pending[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending lists the requests still waiting on clientID, ordered by id
func (l *Ledger) Pending(clientID int32) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reqs []Request
	for _, req := range l.pending {
		if req.ClientID == clientID {
			reqs = append(reqs, *req)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	return reqs
}

// Len returns the number of pending requests
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// LastID returns the highest id issued so far (or the seed)
func (l *Ledger) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// LoadRequestCounter returns the last id recorded in the CommandIds journal,
// or 1 when it is empty, so a fresh server issues 2 first
func LoadRequestCounter(j journal.Journal) (int64, error) {
	content, err := j.ReadAll(journal.CommandIds)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s journal: %w", journal.CommandIds, err)
	}
	last := strings.TrimSpace(journal.LastLine(content))
	if last == "" {
		return 1, nil
	}
	id, err := strconv.ParseInt(last, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid %s journal line %q", journal.CommandIds, last)
	}
	return id, nil
}

// LoadRegisteredIDs returns every id in the RegisteredIds journal
func LoadRegisteredIDs(j journal.Journal) ([]int32, error) {
	content, err := j.ReadAll(journal.RegisteredIds)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s journal: %w", journal.RegisteredIds, err)
	}

	lines := journal.Lines(content)
	ids := make([]int32, 0, len(lines))
	for _, line := range lines {
		id, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid %s journal line %q", journal.RegisteredIds, line)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}
