package schedule

import (
	"github.com/quarrydb/quarry/pkg/memtracker"
	"github.com/quarrydb/quarry/pkg/types"
)

// Schedule describes one query's execution plan as far as admission control
// is concerned: which backends it runs on and how much memory it needs on
// each of them. The memory requirement starts as the MEM_LIMIT query option
// or the planner estimate and is reconciled against the pool configuration
// by UpdateMemoryRequirements before any admission check.
type Schedule struct {
	queryID     string
	requestPool string

	// One entry per backend executing fragments of this query.
	backendHosts []string

	// Planner's per-backend memory estimate.
	perHostMemEstimate int64

	// The MEM_LIMIT query option. 0 means unset.
	memLimitOption int64

	// Largest initial buffer reservation across all fragments.
	largestMinReservation int64

	perBackendMemToAdmit int64
	perBackendMemLimit   int64

	profile *Profile
}

// NewSchedule creates a schedule for a query.
func NewSchedule(queryID, requestPool string, backendHosts []string,
	perHostMemEstimate, memLimitOption, largestMinReservation int64) *Schedule {
	return &Schedule{
		queryID:               queryID,
		requestPool:           requestPool,
		backendHosts:          backendHosts,
		perHostMemEstimate:    perHostMemEstimate,
		memLimitOption:        memLimitOption,
		largestMinReservation: largestMinReservation,
		profile:               NewProfile(),
	}
}

func (s *Schedule) QueryID() string        { return s.queryID }
func (s *Schedule) RequestPool() string    { return s.requestPool }
func (s *Schedule) BackendHosts() []string { return s.backendHosts }
func (s *Schedule) Profile() *Profile      { return s.profile }

// LargestMinReservation returns the largest initial buffer reservation
// required on any backend.
func (s *Schedule) LargestMinReservation() int64 { return s.largestMinReservation }

// PerBackendMemToAdmit returns the per-backend memory used in admission
// checks. Valid after UpdateMemoryRequirements.
func (s *Schedule) PerBackendMemToAdmit() int64 { return s.perBackendMemToAdmit }

// PerBackendMemLimit returns the memory limit enforced on each backend, or
// -1 when the query runs without a limit.
func (s *Schedule) PerBackendMemLimit() int64 { return s.perBackendMemLimit }

// ClusterMemoryToAdmit returns the aggregate memory admission will account
// for across all participating backends.
func (s *Schedule) ClusterMemoryToAdmit() int64 {
	return s.perBackendMemToAdmit * int64(len(s.backendHosts))
}

// UpdateMemoryRequirements reconciles the query's memory requirement with
// the pool configuration.
//
// When neither min_query_mem_limit nor max_query_mem_limit is configured the
// pool falls back to the traditional behaviour: the MEM_LIMIT query option
// is used verbatim if set, otherwise the planner estimate is used for
// admission only and no limit is enforced at execution.
func (s *Schedule) UpdateMemoryRequirements(cfg types.PoolConfig) {
	mimicOldBehaviour := cfg.MinQueryMemLimit == 0 && cfg.MaxQueryMemLimit == 0

	hasQueryOption := s.memLimitOption > 0
	if hasQueryOption {
		s.perBackendMemToAdmit = s.memLimitOption
	} else {
		s.perBackendMemToAdmit = s.perHostMemEstimate
		if !mimicOldBehaviour {
			minFromReservation := MinMemLimitFromReservation(s.largestMinReservation)
			if minFromReservation > s.perBackendMemToAdmit {
				s.perBackendMemToAdmit = minFromReservation
			}
		}
	}

	if !hasQueryOption || cfg.ClampMemLimitQueryOption {
		if cfg.MinQueryMemLimit > 0 && s.perBackendMemToAdmit < cfg.MinQueryMemLimit {
			s.perBackendMemToAdmit = cfg.MinQueryMemLimit
		}
		if cfg.MaxQueryMemLimit > 0 && s.perBackendMemToAdmit > cfg.MaxQueryMemLimit {
			s.perBackendMemToAdmit = cfg.MaxQueryMemLimit
		}
	}

	// The query option or the planner estimate can each be unreasonable.
	if physical := memtracker.PhysicalMem(); s.perBackendMemToAdmit > physical {
		s.perBackendMemToAdmit = physical
	}

	if mimicOldBehaviour && !hasQueryOption {
		s.perBackendMemLimit = -1
	} else {
		s.perBackendMemLimit = s.perBackendMemToAdmit
	}
}
