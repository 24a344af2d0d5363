package types

// Employee mirrors a badge-holder known to the device. OriginalGroup is set
// exactly while CurrentGroup is the denial group.
type Employee struct {
	ID            int64  `json:"id"`
	DeviceID      int64  `json:"device_id"`
	Name          string `json:"name"`
	IsActive      bool   `json:"is_active"`
	IsExempt      bool   `json:"is_exempt"`
	CurrentGroup  *int64 `json:"current_group,omitempty"`
	OriginalGroup *int64 `json:"original_group,omitempty"`

	// Per-employee overrides of the global durations; nil uses the default.
	WorkMinutes *int `json:"work_minutes,omitempty"`
	RestMinutes *int `json:"rest_minutes,omitempty"`
}

// InGroup reports whether the employee currently sits in group id.
func (e Employee) InGroup(id int64) bool {
	return e.CurrentGroup != nil && *e.CurrentGroup == id
}

// AccessGroup is a device access-control group resolved by name.
type AccessGroup struct {
	DeviceGroupID    int64  `json:"device_group_id"`
	Name             string `json:"name"`
	IsDenialGroup    bool   `json:"is_denial_group"`
	IsExemptionGroup bool   `json:"is_exemption_group"`
}
