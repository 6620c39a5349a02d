package store

import "time"

// RoomStatus is the lifecycle state of a room row.
type RoomStatus string

const (
	RoomPending    RoomStatus = "pending"
	RoomActive     RoomStatus = "active"
	RoomProcessing RoomStatus = "processing"
	RoomCompleted  RoomStatus = "completed"
	RoomClosed     RoomStatus = "closed"
)

// WorkerStatus is the lifecycle state of a worker row.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStopped WorkerStatus = "stopped"
)

// SessionStatus is the lifecycle state of an STT session row.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// JobStatus is the lifecycle state of a post-call analysis job row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Room is a logical conferencing session persisted in the store.
// Rooms are inserted by an external collaborator in status pending and
// claimed by exactly one worker at a time.
type Room struct {
	ID                   string
	Name                 string
	ServerRef            string
	Status               RoomStatus
	OrganizationID       string
	AIEnabled            bool
	TranscriptionEnabled bool
	EmptyTimeout         time.Duration
	OwnerWorkerID        *string
	OwnerClaimedAt       *time.Time
	OwnerHeartbeatAt     *time.Time
	TimebaseOrigin       *time.Time
	CreatedAt            time.Time
	ClosedAt             *time.Time
}

// Worker is one process instance of this service.
type Worker struct {
	ID              string
	Mode            string
	Status          WorkerStatus
	CurrentRoomID   *string
	LastHeartbeatAt time.Time
	StartedAt       time.Time
}

// Participant is a human attendee of a room, keyed by (room, identity).
type Participant struct {
	ID             string
	RoomID         string
	Identity       string
	ConnectionType string
	JoinedAt       time.Time
	LeftAt         *time.Time
	IsActive       bool
	Metadata       map[string]string
}

// STTSession is one streaming recognition session for one participant
// track. A participant may accumulate several sessions over a room's
// lifetime (reconnects) but has at most one open at a time.
type STTSession struct {
	ID                 string
	RoomID             string
	ParticipantID      string
	ExternalSessionTag string
	Status             SessionStatus
	StartedAt          time.Time
	EndedAt            *time.Time
	AudioMinutes       float64
	TranscriptCount    int
	AverageConfidence  float64
	ErrorMessage       *string
}

// SessionStats is the closing summary written when a session ends.
type SessionStats struct {
	AudioMinutes      float64
	TranscriptCount   int
	AverageConfidence float64
}

// TranscriptRow is one finalized utterance on the room's timeline.
// RelativeTimestamp = WallClock − room.TimebaseOrigin, in seconds.
type TranscriptRow struct {
	ID                string
	RoomID            string
	STTSessionID      string
	ParticipantID     string
	Text              string
	IsFinal           bool
	Confidence        float64
	RelativeTimestamp float64
	StartTime         float64
	EndTime           float64
	Language          string
	WallClock         time.Time
	Metadata          map[string]string
}

// MediaServer describes one conferencing cluster a room may live on.
type MediaServer struct {
	Ref       string
	URL       string
	APIKey    string
	APISecret string
}

// AIJob is one queued post-call analysis task.
type AIJob struct {
	ID         string
	RoomID     string
	JobType    string
	Priority   int
	Status     JobStatus
	Payload    map[string]string
	Result     *string
	Error      *string
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RoomEvent is the JSON payload the store emits on the room_available
// notification channel.
type RoomEvent struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
	Status   string `json:"status"`
	Event    string `json:"event"`
}
