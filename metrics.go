package ffa

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring memory transactions
var (
	// Operation counters
	vmCreateCount  uint64
	vmDestroyCount uint64
	sendOps        uint64
	retrieveOps    uint64
	relinquishOps  uint64
	reclaimOps     uint64
	fragmentsIn    uint64
	fragmentsOut   uint64
	callOps        uint64

	// Stage-2 counters
	pageTableCommits uint64
	rollbacks        uint64
	tlbInvalidations uint64

	// Handle counters
	handlesAllocated uint64
	handlesFreed     uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalCallTime     uint64

	// Error counters
	deniedErrors        uint64
	invalidErrors       uint64
	resourceErrors      uint64
	busyErrors          uint64
	faults              uint64
	invariantViolations uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMCreated           uint64 `json:"vm_created"`
	VMDestroyed         uint64 `json:"vm_destroyed"`
	AvgVMCreateTimeNs   uint64 `json:"avg_vm_create_time_ns"`
	Sends               uint64 `json:"sends"`
	Retrieves           uint64 `json:"retrieves"`
	Relinquishes        uint64 `json:"relinquishes"`
	Reclaims            uint64 `json:"reclaims"`
	FragmentsIn         uint64 `json:"fragments_in"`
	FragmentsOut        uint64 `json:"fragments_out"`
	Calls               uint64 `json:"calls"`
	AvgCallTimeNs       uint64 `json:"avg_call_time_ns"`
	PageTableCommits    uint64 `json:"page_table_commits"`
	Rollbacks           uint64 `json:"rollbacks"`
	TLBInvalidations    uint64 `json:"tlb_invalidations"`
	HandlesAllocated    uint64 `json:"handles_allocated"`
	HandlesFreed        uint64 `json:"handles_freed"`
	DeniedErrors        uint64 `json:"denied_errors"`
	InvalidErrors       uint64 `json:"invalid_errors"`
	ResourceErrors      uint64 `json:"resource_errors"`
	BusyErrors          uint64 `json:"busy_errors"`
	Faults              uint64 `json:"faults"`
	InvariantViolations uint64 `json:"invariant_violations"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	calls := atomic.LoadUint64(&callOps)

	vmCreated := atomic.LoadUint64(&vmCreateCount)

	var avgVMCreate, avgCall uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if calls > 0 {
		avgCall = atomic.LoadUint64(&totalCallTime) / calls
	}

	return Metrics{
		VMCreated:           vmCreated,
		VMDestroyed:         atomic.LoadUint64(&vmDestroyCount),
		AvgVMCreateTimeNs:   avgVMCreate,
		Sends:               atomic.LoadUint64(&sendOps),
		Retrieves:           atomic.LoadUint64(&retrieveOps),
		Relinquishes:        atomic.LoadUint64(&relinquishOps),
		Reclaims:            atomic.LoadUint64(&reclaimOps),
		FragmentsIn:         atomic.LoadUint64(&fragmentsIn),
		FragmentsOut:        atomic.LoadUint64(&fragmentsOut),
		Calls:               calls,
		AvgCallTimeNs:       avgCall,
		PageTableCommits:    atomic.LoadUint64(&pageTableCommits),
		Rollbacks:           atomic.LoadUint64(&rollbacks),
		TLBInvalidations:    atomic.LoadUint64(&tlbInvalidations),
		HandlesAllocated:    atomic.LoadUint64(&handlesAllocated),
		HandlesFreed:        atomic.LoadUint64(&handlesFreed),
		DeniedErrors:        atomic.LoadUint64(&deniedErrors),
		InvalidErrors:       atomic.LoadUint64(&invalidErrors),
		ResourceErrors:      atomic.LoadUint64(&resourceErrors),
		BusyErrors:          atomic.LoadUint64(&busyErrors),
		Faults:              atomic.LoadUint64(&faults),
		InvariantViolations: atomic.LoadUint64(&invariantViolations),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	for _, c := range []*uint64{
		&vmCreateCount, &vmDestroyCount, &totalVMCreateTime,
		&sendOps, &retrieveOps, &relinquishOps, &reclaimOps,
		&fragmentsIn, &fragmentsOut, &callOps, &totalCallTime,
		&pageTableCommits, &rollbacks, &tlbInvalidations,
		&handlesAllocated, &handlesFreed,
		&deniedErrors, &invalidErrors, &resourceErrors, &busyErrors,
		&faults, &invariantViolations,
	} {
		atomic.StoreUint64(c, 0)
	}
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordSend()       { atomic.AddUint64(&sendOps, 1) }
func recordRetrieve()   { atomic.AddUint64(&retrieveOps, 1) }
func recordRelinquish() { atomic.AddUint64(&relinquishOps, 1) }
func recordReclaim()    { atomic.AddUint64(&reclaimOps, 1) }
func recordFragmentIn() { atomic.AddUint64(&fragmentsIn, 1) }

func recordFragmentOut() { atomic.AddUint64(&fragmentsOut, 1) }

func recordCall(duration time.Duration) {
	atomic.AddUint64(&callOps, 1)
	atomic.AddUint64(&totalCallTime, uint64(duration.Nanoseconds()))
}

func recordPageTableCommit() { atomic.AddUint64(&pageTableCommits, 1) }
func recordRollback()        { atomic.AddUint64(&rollbacks, 1) }

func recordTLBInvalidation(ranges int) {
	atomic.AddUint64(&tlbInvalidations, uint64(ranges))
}

func recordHandleAllocated() { atomic.AddUint64(&handlesAllocated, 1) }
func recordHandleFreed()     { atomic.AddUint64(&handlesFreed, 1) }

func recordResourceError()      { atomic.AddUint64(&resourceErrors, 1) }
func recordFault()              { atomic.AddUint64(&faults, 1) }
func recordInvariantViolation() { atomic.AddUint64(&invariantViolations, 1) }

// recordCallError classifies a failed call by its returned code.
func recordCallError(code ErrorCode) {
	switch code {
	case Denied:
		atomic.AddUint64(&deniedErrors, 1)
	case InvalidParameters:
		atomic.AddUint64(&invalidErrors, 1)
	case Busy, Retry:
		atomic.AddUint64(&busyErrors, 1)
	}
}
