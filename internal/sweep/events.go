package sweep

// Bus topics published by the sweep module.
const (
	TopicSweepStarted  = "sweep.run.started"
	TopicSweepFinished = "sweep.run.finished"
	TopicPrinterFound  = "sweep.printer.found"
)

// SweepEvent is the payload for run lifecycle topics.
type SweepEvent struct {
	RunID    string `json:"run_id"`
	Subnet   string `json:"subnet"`
	BranchID string `json:"branch_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Probed   int    `json:"probed,omitempty"`
	Found    int    `json:"found,omitempty"`
}

// PrinterFoundEvent is the payload for TopicPrinterFound.
type PrinterFoundEvent struct {
	RunID    string `json:"run_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
	Vendor   string `json:"vendor,omitempty"`
}
