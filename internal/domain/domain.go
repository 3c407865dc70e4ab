package domain

// Role is an actor role within a project.
type Role string

const (
	RoleOwner           Role = "OWNER"
	RoleManager         Role = "MANAGER"
	RoleSiteEngineer    Role = "SITE_ENGINEER"
	RoleLabour          Role = "LABOUR"
	RolePurchaseManager Role = "PURCHASE_MANAGER"
)

// Actor is the authenticated caller. Role is empty when the entry point does
// not pin one and the role is resolved per action.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

const (
	AttendanceSelf   = "SELF"
	AttendanceManual = "MANUAL"
)

type Attendance struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source" enum:"SELF,MANUAL"`
	CheckInAt   string   `json:"check_in_at" format:"date-time"`
	CheckInLat  *float64 `json:"check_in_lat,omitempty"`
	CheckInLon  *float64 `json:"check_in_lon,omitempty"`
	CheckOutAt  *string  `json:"check_out_at,omitempty" format:"date-time"`
	CheckOutLat *float64 `json:"check_out_lat,omitempty"`
	CheckOutLon *float64 `json:"check_out_lon,omitempty"`
	WorkHours   *float64 `json:"work_hours,omitempty"`
	RecordedBy  string   `json:"recorded_by,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type LocationTrack struct {
	ID           string  `json:"id"`
	ActionID     string  `json:"action_id,omitempty"`
	AttendanceID string  `json:"attendance_id"`
	ProjectID    string  `json:"project_id"`
	ActorID      string  `json:"actor_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	TrackedAt    string  `json:"tracked_at" format:"date-time"`
}

const (
	MaterialRequestPending   = "PENDING"
	MaterialRequestCancelled = "CANCELLED"
	MaterialRequestApproved  = "APPROVED"
	MaterialRequestRejected  = "REJECTED"
)

type MaterialRequest struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	RequestedBy  string  `json:"requested_by"`
	MaterialName string  `json:"material_name"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	Urgency      string  `json:"urgency" enum:"LOW,MEDIUM,HIGH,URGENT"`
	Notes        string  `json:"notes,omitempty"`
	RequiredBy   string  `json:"required_by,omitempty"`
	Status       string  `json:"status" enum:"PENDING,CANCELLED,APPROVED,REJECTED"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type DPR struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	EngineerID  string `json:"engineer_id"`
	ReportDate  string `json:"report_date" format:"date"`
	WorkDone    string `json:"work_done"`
	LabourCount int    `json:"labour_count"`
	Weather     string `json:"weather,omitempty"`
	Issues      string `json:"issues,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a field device on behalf of an actor. Only the hash
// of the key is stored.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
