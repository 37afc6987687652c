package domain

import "time"

// ClientID identifies an uploading connection on the ingest server
// (remote address and port).
type ClientID string

// FrameUpload is one received upload_frame request.
type FrameUpload struct {
	ClientID   ClientID
	Metadata   map[string]any
	Image      []byte
	Depth      []byte
	ReceivedAt time.Time
}

// StoredFrame records where a received frame was persisted.
type StoredFrame struct {
	ClientID     ClientID
	Number       int
	Timestamp    time.Time
	ImageFile    string
	DepthFile    string
	MetadataFile string
}

func (s StoredFrame) DepthSaved() bool { return s.DepthFile != "" }

// DepthStats summarizes the finite values of a float32 depth map.
type DepthStats struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
}

// TriggerEvent asks every connected device to capture a frame.
type TriggerEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}
