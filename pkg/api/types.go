package api

// PriceInfo is the REST/WS view of one cached tick.
type PriceInfo struct {
	Symbol      string `json:"symbol"`
	Price       int64  `json:"price"`
	Conf        int64  `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publishTime"`
	Source      string `json:"source"`
}

// PriceUpdate is the WS broadcast envelope for a tick.
type PriceUpdate struct {
	Type      string    `json:"type"`
	Price     PriceInfo `json:"price"`
	Timestamp int64     `json:"timestamp"`
}

// WSSubscribeRequest is the client->server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// ErrorResponse is the JSON error body for all REST failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// GridView is a grid session with its cells and their derived statuses.
type GridView struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Symbol    string         `json:"symbol"`
	Cancelled bool           `json:"cancelled"`
	Cells     []GridCellView `json:"cells"`
}

type GridCellView struct {
	ID          string `json:"id"`
	TargetFills int    `json:"targetFills"`
	Status      string `json:"status"`
}
