package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"forgeflow/internal/logging"

	"github.com/google/uuid"
)

// Audit errors.
var (
	ErrAuditNotFound  = errors.New("audit record not found")
	ErrAuditIntegrity = errors.New("audit record integrity violation")
)

// ExecStatus is the execution block status of an audit record.
type ExecStatus string

const (
	ExecPending    ExecStatus = "pending"
	ExecSuccess    ExecStatus = "success"
	ExecFailed     ExecStatus = "failed"
	ExecRolledBack ExecStatus = "rolled-back"
	ExecRejected   ExecStatus = "rejected"
	ExecBlocked    ExecStatus = "blocked"
)

// DecisionBlock records who proposed and approved a change and why.
type DecisionBlock struct {
	ProposedBy        string  `json:"proposedBy"`
	ApprovedBy        string  `json:"approvedBy"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
	RecommendedAction string  `json:"recommendedAction"`
}

// ExecutionBlock records the outcome of applying a change.
type ExecutionBlock struct {
	AppliedAt time.Time     `json:"appliedAt"`
	Status    ExecStatus    `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ImpactBlock records the observed effect of an applied change.
type ImpactBlock struct {
	ErrorsResolved      int     `json:"errorsResolved"`
	NewErrorsIntroduced int     `json:"newErrorsIntroduced"`
	PerformanceImpact   float64 `json:"performanceImpact"`
}

// RollbackInfo records how a change was undone.
type RollbackInfo struct {
	Trigger      string    `json:"trigger"`
	Reason       string    `json:"reason"`
	RolledBackAt time.Time `json:"rolledBackAt"`
	BackupID     string    `json:"backupId"`
	Verified     bool      `json:"verified"`
}

// AuditMetadata situates a record.
type AuditMetadata struct {
	ExecutionID string `json:"executionId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	System      string `json:"system"`
	Version     string `json:"version"`
}

// AuditRecord is one append-only entry of the audit trail. A record is
// never mutated: updates to the execution, impact, or rollback blocks are
// expressed as a new record that supersedes the old one by id.
type AuditRecord struct {
	AuditID       string         `json:"auditId"`
	ChangeID      string         `json:"changeId"`
	Timestamp     time.Time      `json:"timestamp"`
	Supersedes    string         `json:"supersedes,omitempty"`
	Decision      DecisionBlock  `json:"decision"`
	Execution     ExecutionBlock `json:"execution"`
	Impact        ImpactBlock    `json:"impact"`
	RollbackInfo  *RollbackInfo  `json:"rollbackInfo"`
	Metadata      AuditMetadata  `json:"metadata"`
	IntegrityHash string         `json:"integrityHash"`
}

// canonicalHash computes SHA-256 over the record's canonical JSON with the
// integrityHash field removed. Marshalling through a map gives sorted keys.
func canonicalHash(rec *AuditRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit record: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("failed to canonicalise audit record: %w", err)
	}
	delete(fields, "integrityHash")
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical form: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IntegrityReport is the outcome of a full trail verification.
type IntegrityReport struct {
	Total   int      `json:"total"`
	Valid   int      `json:"valid"`
	Invalid []string `json:"invalid,omitempty"`
}

// AuditFilter narrows History.
type AuditFilter struct {
	ChangeID string
	Status   ExecStatus
	Limit    int
}

// AuditTrail is the append-only decision log, held in memory and persisted
// per record under <root>/audit.
type AuditTrail struct {
	mu       sync.Mutex
	dir      string
	records  []*AuditRecord
	byID     map[string]*AuditRecord
	byChange map[string][]string // change id -> audit ids, oldest first
}

// NewAuditTrail opens the audit directory and loads existing records.
func NewAuditTrail(root string) (*AuditTrail, error) {
	dir := filepath.Join(root, "audit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	t := &AuditTrail{
		dir:      dir,
		byID:     make(map[string]*AuditRecord),
		byChange: make(map[string][]string),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *AuditTrail) load() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}

	var recs []*AuditRecord
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.Get(logging.CategoryAudit).Warn("skipping unreadable audit record %s: %v", entry.Name(), err)
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	for _, rec := range recs {
		t.indexLocked(rec)
	}
	return nil
}

func (t *AuditTrail) indexLocked(rec *AuditRecord) {
	t.records = append(t.records, rec)
	t.byID[rec.AuditID] = rec
	t.byChange[rec.ChangeID] = append(t.byChange[rec.ChangeID], rec.AuditID)
}

// append seals a record with its integrity hash, persists it, and indexes
// it. The caller must not mutate the record afterwards.
func (t *AuditTrail) append(rec *AuditRecord) error {
	hash, err := canonicalHash(rec)
	if err != nil {
		return err
	}
	rec.IntegrityHash = hash

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	path := filepath.Join(t.dir, rec.AuditID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit audit record: %w", err)
	}

	t.indexLocked(rec)
	logging.Audit("recorded %s for change %s (status=%s)", rec.AuditID, rec.ChangeID, rec.Execution.Status)
	return nil
}

// RecordDecision opens the trail for a change with a pending execution
// block.
func (t *AuditTrail) RecordDecision(changeID string, decision DecisionBlock, meta AuditMetadata) (*AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &AuditRecord{
		AuditID:   "aud-" + uuid.NewString(),
		ChangeID:  changeID,
		Timestamp: time.Now(),
		Decision:  decision,
		Execution: ExecutionBlock{Status: ExecPending},
		Metadata:  meta,
	}
	if err := t.append(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordExecution supersedes the latest record for a change with a new one
// carrying the execution outcome and observed impact.
func (t *AuditTrail) RecordExecution(changeID string, exec ExecutionBlock, impact ImpactBlock) (*AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supersedeLocked(changeID, func(rec *AuditRecord) {
		rec.Execution = exec
		rec.Impact = impact
	})
}

// RecordRollback supersedes the latest record for a change with its
// rollback information.
func (t *AuditTrail) RecordRollback(changeID string, info RollbackInfo) (*AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supersedeLocked(changeID, func(rec *AuditRecord) {
		rec.Execution.Status = ExecRolledBack
		rec.RollbackInfo = &info
	})
}

func (t *AuditTrail) supersedeLocked(changeID string, mutate func(*AuditRecord)) (*AuditRecord, error) {
	ids := t.byChange[changeID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrAuditNotFound)
	}
	prev := t.byID[ids[len(ids)-1]]

	next := *prev
	next.AuditID = "aud-" + uuid.NewString()
	next.Timestamp = time.Now()
	next.Supersedes = prev.AuditID
	next.IntegrityHash = ""
	if prev.RollbackInfo != nil {
		cloned := *prev.RollbackInfo
		next.RollbackInfo = &cloned
	}
	mutate(&next)

	if err := t.append(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Latest returns the current (non-superseded) record for a change.
func (t *AuditTrail) Latest(changeID string) (*AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byChange[changeID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrAuditNotFound)
	}
	rec := *t.byID[ids[len(ids)-1]]
	return &rec, nil
}

// History returns matching records, newest first.
func (t *AuditTrail) History(f AuditFilter) []*AuditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*AuditRecord
	for i := len(t.records) - 1; i >= 0; i-- {
		rec := t.records[i]
		if f.ChangeID != "" && rec.ChangeID != f.ChangeID {
			continue
		}
		if f.Status != "" && rec.Execution.Status != f.Status {
			continue
		}
		copied := *rec
		out = append(out, &copied)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// VerifyIntegrity recomputes every record's hash. A mismatch is a fatal
// system event for automated apply.
func (t *AuditTrail) VerifyIntegrity() (*IntegrityReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := &IntegrityReport{Total: len(t.records)}
	for _, rec := range t.records {
		hash, err := canonicalHash(rec)
		if err != nil {
			return nil, err
		}
		if hash == rec.IntegrityHash {
			report.Valid++
		} else {
			report.Invalid = append(report.Invalid, rec.AuditID)
		}
	}
	if len(report.Invalid) > 0 {
		logging.Get(logging.CategoryAudit).Error("integrity violation in %d audit record(s): %v", len(report.Invalid), report.Invalid)
		return report, fmt.Errorf("%d record(s) fail verification: %w", len(report.Invalid), ErrAuditIntegrity)
	}
	return report, nil
}

// Report summarises trail activity in a window.
type Report struct {
	From                   time.Time      `json:"from"`
	To                     time.Time      `json:"to"`
	TotalChanges           int            `json:"total_changes"`
	ByStatus               map[string]int `json:"by_status"`
	ErrorsResolved         int            `json:"errors_resolved"`
	NewErrorsIntroduced    int            `json:"new_errors_introduced"`
	ConfidenceDistribution map[string]int `json:"confidence_distribution"`
	RecentChanges          []*AuditRecord `json:"recent_changes"`
}

// GenerateReport aggregates the latest record of every change whose current
// record falls inside [from, to].
func (t *AuditTrail) GenerateReport(from, to time.Time) *Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := &Report{
		From:                   from,
		To:                     to,
		ByStatus:               make(map[string]int),
		ConfidenceDistribution: make(map[string]int),
	}

	for _, ids := range t.byChange {
		rec := t.byID[ids[len(ids)-1]]
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		report.TotalChanges++
		report.ByStatus[string(rec.Execution.Status)]++
		report.ErrorsResolved += rec.Impact.ErrorsResolved
		report.NewErrorsIntroduced += rec.Impact.NewErrorsIntroduced
		report.ConfidenceDistribution[confidenceBucket(rec.Decision.Confidence)]++

		copied := *rec
		report.RecentChanges = append(report.RecentChanges, &copied)
	}

	sort.Slice(report.RecentChanges, func(i, j int) bool {
		return report.RecentChanges[i].Timestamp.After(report.RecentChanges[j].Timestamp)
	})
	if len(report.RecentChanges) > 10 {
		report.RecentChanges = report.RecentChanges[:10]
	}
	return report
}

func confidenceBucket(c float64) string {
	switch {
	case c >= 0.9:
		return "0.9+"
	case c >= 0.8:
		return "0.8-0.9"
	case c >= 0.7:
		return "0.7-0.8"
	case c >= 0.5:
		return "0.5-0.7"
	}
	return "<0.5"
}
