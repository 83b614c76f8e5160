package progress

// ReportFunc receives the global job percentage. Deliveries are strictly
// non-decreasing and end at exactly 100 for jobs that complete.
type ReportFunc func(percent int)

// hysteresis suppresses near-duplicate intermediate reports so a chatty
// phase cannot cause a notification storm.
const hysteresis = 0.5

// Tracker accumulates per-phase sub-progress into a single global
// percentage. It is not safe for concurrent use; a job's phases run
// sequentially on one worker.
type Tracker struct {
	weights      Weights
	report       ReportFunc
	active       string
	activePct    float64
	completed    float64 // weight already banked from finished phases
	lastReported float64
	reportedAny  bool
}

func NewTracker(weights Weights, report ReportFunc) *Tracker {
	return &Tracker{weights: weights, report: report, lastReported: -1}
}

// StartPhase finalizes any phase still active, crediting its full weight,
// then makes name the active phase.
func (t *Tracker) StartPhase(name string) {
	if t.active != "" {
		t.completed += float64(t.weights[t.active])
	}
	t.active = name
	t.activePct = 0
}

// UpdatePhase records sub-progress (0-100) for the active phase and reports
// the new global value if it moved past the hysteresis threshold.
func (t *Tracker) UpdatePhase(pct float64) {
	if t.active == "" {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < t.activePct {
		return
	}
	t.activePct = pct
	global := t.completed + float64(t.weights[t.active])*pct/100
	t.maybeReport(global)
}

// CompletePhase forces the active phase to 100%, banks its weight, and
// clears it.
func (t *Tracker) CompletePhase() {
	if t.active == "" {
		return
	}
	t.UpdatePhase(100)
	t.completed += float64(t.weights[t.active])
	t.active = ""
	t.activePct = 0
}

// Complete finalizes any active phase and reports exactly 100.
func (t *Tracker) Complete() {
	t.CompletePhase()
	if t.lastReported < 100 {
		t.lastReported = 100
		t.report(100)
	}
}

func (t *Tracker) maybeReport(global float64) {
	if global > 100 {
		global = 100
	}
	if global <= t.lastReported+hysteresis && t.reportedAny {
		return
	}
	if global < t.lastReported {
		return
	}
	t.lastReported = global
	t.reportedAny = true
	t.report(int(global))
}
