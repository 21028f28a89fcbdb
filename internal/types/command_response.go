package types

type CommandResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Delivered int    `json:"delivered"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status       string `json:"status"`
	Sessions     int    `json:"sessions"`
	MaxClients   int    `json:"maxClients"`
	HistoryLen   int    `json:"historyLength"`
	ShuttingDown bool   `json:"shuttingDown"`
}
