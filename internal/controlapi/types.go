package controlapi

import (
	"time"

	"cyrange/internal/reconcile"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"
)

type Empty struct{}

// Record is the wire form of a State Record.
type Record struct {
	ID              string    `json:"id"`
	HostID          string    `json:"host_id"`
	AssetID         string    `json:"asset_id,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
	ContainerName   string    `json:"container_name,omitempty"`
	ImageName       string    `json:"image_name,omitempty"`
	Desired         string    `json:"desired"`
	Current         string    `json:"current"`
	Health          string    `json:"health"`
	Sync            string    `json:"sync"`
	Description     string    `json:"description"`
	SyncAttempts    int       `json:"sync_attempts"`
	MaxSyncAttempts int       `json:"max_sync_attempts"`
	SyncError       string    `json:"sync_error,omitempty"`
	LastSyncAt      time.Time `json:"last_sync_at,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CreatedBy       string    `json:"created_by,omitempty"`
	Version         int64     `json:"version"`
}

func recordToWire(r state.Record) Record {
	return Record{
		ID:              r.ID,
		HostID:          r.HostID,
		AssetID:         r.AssetID,
		ContainerID:     r.ContainerID,
		ContainerName:   r.ContainerName,
		ImageName:       r.ImageName,
		Desired:         r.Desired.String(),
		Current:         r.Current.String(),
		Health:          r.Health.String(),
		Sync:            r.Sync.String(),
		Description:     r.Describe(),
		SyncAttempts:    r.SyncAttempts,
		MaxSyncAttempts: r.MaxSyncAttempts,
		SyncError:       r.SyncError,
		LastSyncAt:      r.LastSyncAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CreatedBy:       r.CreatedBy,
		Version:         r.Version,
	}
}

// Result is the wire form of one reconciliation.
type Result struct {
	RecordID   string `json:"record_id"`
	HostID     string `json:"host_id"`
	AssetID    string `json:"asset_id,omitempty"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Attempt    int    `json:"attempt"`
	From       string `json:"from"`
	To         string `json:"to"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func resultToWire(r reconcile.Result) Result {
	return Result{
		RecordID:   r.RecordID,
		HostID:     r.HostID,
		AssetID:    r.AssetID,
		Action:     r.Action.String(),
		Outcome:    r.Outcome.String(),
		Attempt:    r.Attempt,
		From:       r.From.String(),
		To:         r.To.String(),
		Error:      r.Error,
		DurationMS: r.Duration.Milliseconds(),
	}
}

type Pass struct {
	Processed      int       `json:"processed"`
	Synced         int       `json:"synced"`
	Failed         int       `json:"failed"`
	Exhausted      int       `json:"exhausted"`
	Skipped        int       `json:"skipped"`
	SkippedHosts   []string  `json:"skipped_hosts,omitempty"`
	StaleRecovered int       `json:"stale_recovered"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type Clock struct {
	Phase     string    `json:"phase"`
	OffsetMS  int64     `json:"offset_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

type Host struct {
	ID          string    `json:"id"`
	Phase       string    `json:"phase"`
	LastAccess  time.Time `json:"last_access,omitzero"`
	LastProbeAt time.Time `json:"last_probe_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type StatusResponse struct {
	InProgress             bool      `json:"in_progress"`
	LastSyncAt             time.Time `json:"last_sync_at,omitzero"`
	LastPass               *Pass     `json:"last_pass,omitempty"`
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	MaxConsecutiveFailures int       `json:"max_consecutive_failures"`
	Breaker                string    `json:"breaker"`
	Healthy                bool      `json:"healthy"`
	Clock                  Clock     `json:"clock"`
	Hosts                  []Host    `json:"hosts,omitempty"`
}

func statusToWire(st supervisor.Status) StatusResponse {
	out := StatusResponse{
		InProgress:             st.InProgress,
		LastSyncAt:             st.LastSyncAt,
		ConsecutiveFailures:    st.ConsecutiveFailures,
		MaxConsecutiveFailures: st.MaxConsecutiveFailures,
		Breaker:                st.Breaker.String(),
		Healthy:                st.Healthy,
		Clock: Clock{
			Phase:     st.Clock.Phase.String(),
			OffsetMS:  st.Clock.Offset.Milliseconds(),
			Error:     st.Clock.Error,
			CheckedAt: st.Clock.CheckedAt,
		},
	}
	if p := st.LastResult; p != nil {
		out.LastPass = &Pass{
			Processed:      p.Processed,
			Synced:         p.Synced,
			Failed:         p.Failed,
			Exhausted:      p.Exhausted,
			Skipped:        p.Skipped,
			SkippedHosts:   p.SkippedHosts,
			StaleRecovered: p.StaleRecovered,
			StartedAt:      p.StartedAt,
			FinishedAt:     p.FinishedAt,
		}
	}
	for _, h := range st.Hosts {
		out.Hosts = append(out.Hosts, Host{
			ID:          h.HostID,
			Phase:       h.Phase.String(),
			LastAccess:  h.LastAccess,
			LastProbeAt: h.LastProbeAt,
			LastError:   h.LastError,
		})
	}
	return out
}

type TriggerSyncResponse struct {
	// Started is false when a sync pass was already running.
	Started bool `json:"started"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type CleanupRequest struct {
	// RetentionSeconds of zero uses the configured retention.
	RetentionSeconds int64 `json:"retention_seconds,omitempty"`
}

type StatsResponse struct {
	Total                 int            `json:"total"`
	BySync                map[string]int `json:"by_sync"`
	ByHealth              map[string]int `json:"by_health"`
	NeedingReconciliation int            `json:"needing_reconciliation"`
	Failed                int            `json:"failed"`
}

func statsToWire(st state.Stats) StatsResponse {
	out := StatsResponse{
		Total:                 st.Total,
		BySync:                make(map[string]int, len(st.BySync)),
		ByHealth:              make(map[string]int, len(st.ByHealth)),
		NeedingReconciliation: st.NeedingReconciliation,
		Failed:                st.Failed,
	}
	for k, v := range st.BySync {
		out.BySync[k.String()] = v
	}
	for k, v := range st.ByHealth {
		out.ByHealth[k.String()] = v
	}
	return out
}

// ListRecordsRequest mirrors state.Filter. NotSyncedSince matches records
// not updated since the given time.
type ListRecordsRequest struct {
	HostID              string    `json:"host_id,omitempty"`
	AssetID             string    `json:"asset_id,omitempty"`
	CreatedBy           string    `json:"created_by,omitempty"`
	Sync                []string  `json:"sync,omitempty"`
	NeedsReconciliation bool      `json:"needs_reconciliation,omitempty"`
	Failed              bool      `json:"failed,omitempty"`
	NotSyncedSince      time.Time `json:"not_synced_since,omitzero"`
	CreatedFrom         time.Time `json:"created_from,omitzero"`
	CreatedTo           time.Time `json:"created_to,omitzero"`
}

type ListRecordsResponse struct {
	Records []Record `json:"records"`
}

type RecordRequest struct {
	ID string `json:"id"`
}

type SetDesiredRequest struct {
	ID      string `json:"id"`
	Desired string `json:"desired"`
}

type Declaration struct {
	HostID          string `json:"host_id"`
	AssetID         string `json:"asset_id,omitempty"`
	ContainerID     string `json:"container_id,omitempty"`
	ContainerName   string `json:"container_name,omitempty"`
	ImageName       string `json:"image_name,omitempty"`
	Desired         string `json:"desired"`
	MaxSyncAttempts int    `json:"max_sync_attempts,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

type DeclareRequest struct {
	Declarations []Declaration `json:"declarations"`
}

type Declared struct {
	Record  Record `json:"record"`
	Created bool   `json:"created"`
	Adopted bool   `json:"adopted"`
}

type DeclareResponse struct {
	Results []Declared `json:"results"`
	// Error lists declarations that were rejected; the others were applied.
	Error string `json:"error,omitempty"`
}

type ForceSyncAssetRequest struct {
	AssetID string `json:"asset_id"`
}

type ReconcileResponse struct {
	Results []Result `json:"results"`
}

type Scope struct {
	ScopeID    string `json:"scope_id"`
	HostID     string `json:"host_id"`
	Added      int    `json:"added"`
	Updated    int    `json:"updated"`
	Removed    int    `json:"removed"`
	Observed   int    `json:"observed"`
	Propagated int    `json:"propagated"`
	Error      string `json:"error,omitempty"`
}

type DiscoverResponse struct {
	Scopes []Scope `json:"scopes"`
}
