package domain

// DashboardStats — сводка для операционной панели.
type DashboardStats struct {
	RunsByStatus     map[RunStatus]int64 `json:"runsByStatus"` // за последние 24 часа
	PendingApprovals int64               `json:"pendingApprovals"`
	DeadOutboxJobs   int64               `json:"deadOutboxJobs"`
	HourlyActivity   []ActivityPoint     `json:"hourlyActivity"`
	OpenCircuits     []string            `json:"openCircuits"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
