package rpc

import "time"

// Empty is the request/response type for RPCs that carry no payload.
type Empty struct{}

// JobGuid identifies a single sub-job by its job_guid (spec §3: the sub-job
// key is (agent_guid, collection_guid, idx) server-side, but the agent only
// ever addresses a sub-job by the guid it was created with).
type JobGuid struct {
	Guid string
}

// JobCreateRequest is the Job.create payload (spec §3 JobRequest.create_payload).
type JobCreateRequest struct {
	JobGuid          string
	Image            string
	Idx              int
	Cpus             int64
	Ram              int64
	Timeout          time.Duration
	Target           string
	Corpus           string
	CrashAutoAnalyze bool
}

// JobInfo is the agent's live view of a single sub-job, returned by list()
// and get_all() and used by the Reconciler (spec §4.6).
type JobInfo struct {
	Guid     string
	Status   string
	LastMsg  string
}

// JobsList is the Job.list response.
type JobsList struct {
	Jobs []JobInfo
}

// JobInfoContainerList is the Job.get_all response — the authoritative set
// of jobs the agent currently knows about, used by the server Reconciler.
type JobInfoContainerList struct {
	Jobs []JobInfo
}

// AnalyzeRequest asks the agent's in-container analyzer (reached via the
// master sub-job's secondary RPC client, spec §4.4 step 4) to analyze a
// crash file by name.
type AnalyzeRequest struct {
	JobGuid string
	Name    string
}

// AnalyzeResponse carries the analyzer's verdict, attached to the Crash row
// as Crash.analyzed.
type AnalyzeResponse struct {
	Result string
}

// SysInfo is the SystemInfo.get response (spec §6).
type SysInfo struct {
	Cpus uint64
	Ram  uint64
}

// UpdateKind discriminates the Update tagged union (spec §6, §9: "a
// sum-type/variant match, never dynamic dispatch").
type UpdateKind int

const (
	UpdateKindJobMsg UpdateKind = iota
	UpdateKindCrashMsg
)

// JobMsg carries a sub-job status/message/log transition. Status, LastMsg,
// and Log are pointers so the Broker can distinguish "field present but
// empty" from "field absent" per spec §4.3's dispatch rules.
type JobMsg struct {
	Guid    string
	Status  *string
	LastMsg *string
	Log     *string
}

// CrashMsg announces a newly synced crash file (spec §4.4 sync_crashes,
// §4.7). It carries only the file's identity, not its contents or a
// digest — the Broker hashes and sizes the file itself by reading it from
// the shared NFS mount at <nfs>/jobs/<job_guid>/crashes/<name>, the same
// filesystem both server and agent share, so the recorded hash is computed
// independently of whatever the agent reports.
type CrashMsg struct {
	JobGuid  string
	Name     string
	Analyzed *string
}

// Update is the single value streamed by Updates.get. Exactly one of JobMsg
// or CrashMsg is non-nil, selected by Kind.
type Update struct {
	Kind     UpdateKind
	JobMsg   *JobMsg
	CrashMsg *CrashMsg
}
