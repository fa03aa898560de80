// Package policy defines the policy profiles that bound what a job's
// worker may do without pausing for approval.
package policy

// RiskLevel orders approval gate severities.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether r is at or above threshold. Unknown levels
// compare as the highest severity.
func (r RiskLevel) AtLeast(threshold RiskLevel) bool {
	rv, ok := riskOrder[r]
	if !ok {
		rv = riskOrder[RiskCritical]
	}
	tv, ok := riskOrder[threshold]
	if !ok {
		tv = riskOrder[RiskCritical]
	}
	return rv >= tv
}

// Profile defines tool permissions and approval requirements for a job.
type Profile struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Tools allowed without approval.
	AutoAllowTools []string `json:"auto_allow_tools"`

	// Tools that always pause for approval.
	ApprovalRequiredTools []string `json:"approval_required_tools"`

	// Calls at or above this risk level pause for approval even when
	// the tool is auto-allowed.
	ApprovalRiskThreshold RiskLevel `json:"approval_risk_threshold"`

	MaxRuntimeMinutes     int  `json:"max_runtime_minutes"`
	MaxSteps              int  `json:"max_steps"`
	AllowFileDeletion     bool `json:"allow_file_deletion"`
	AllowShellExecution   bool `json:"allow_shell_execution"`
	AllowNetworkRequests  bool `json:"allow_network_requests"`
	AllowExternalMessages bool `json:"allow_external_messages"`

	CaptureScreenshots        bool   `json:"capture_screenshots"`
	ScreenshotFrequency       string `json:"screenshot_frequency"` // "on_action", "timed", "manual"
	ScreenshotIntervalSeconds int    `json:"screenshot_interval_seconds,omitempty"`
}

// RequiresApproval reports whether a tool call must pause for human
// approval under this profile.
func (p *Profile) RequiresApproval(toolName string, risk RiskLevel) bool {
	for _, name := range p.ApprovalRequiredTools {
		if name == toolName {
			return true
		}
	}
	if risk.AtLeast(p.ApprovalRiskThreshold) {
		return true
	}
	for _, name := range p.AutoAllowTools {
		if name == toolName {
			return false
		}
	}
	// Unknown tools pause by default.
	return true
}

// DefaultProfileName is used when a job does not name a profile.
const DefaultProfileName = "default"

var profiles = map[string]*Profile{
	"default": {
		Name:        "default",
		Description: "Balanced security with approval for destructive actions",
		AutoAllowTools: []string{
			"browser_navigate",
			"browser_click",
			"browser_type",
			"browser_scroll",
			"browser_screenshot",
			"search_web",
			"read_file",
		},
		ApprovalRequiredTools: []string{
			"write_file",
			"execute_shell",
			"delete_file",
			"send_message",
			"deploy",
		},
		ApprovalRiskThreshold: RiskHigh,
		MaxRuntimeMinutes:     30,
		MaxSteps:              100,
		AllowNetworkRequests:  true,
		CaptureScreenshots:    true,
		ScreenshotFrequency:   "on_action",
	},
	"strict": {
		Name:        "strict",
		Description: "Maximum security - all actions require approval",
		AutoAllowTools: []string{
			"browser_navigate",
			"browser_screenshot",
		},
		ApprovalRequiredTools: []string{
			"browser_click",
			"browser_type",
			"browser_scroll",
			"search_web",
			"read_file",
			"write_file",
			"execute_shell",
			"delete_file",
			"send_message",
		},
		ApprovalRiskThreshold: RiskLow,
		MaxRuntimeMinutes:     15,
		MaxSteps:              100,
		AllowNetworkRequests:  true,
		CaptureScreenshots:    true,
		ScreenshotFrequency:   "on_action",
	},
	"unattended": {
		Name:        "unattended",
		Description: "For trusted automation - minimal approvals",
		AutoAllowTools: []string{
			"browser_navigate",
			"browser_click",
			"browser_type",
			"browser_scroll",
			"browser_screenshot",
			"search_web",
			"read_file",
			"write_file",
		},
		ApprovalRequiredTools: []string{
			"execute_shell",
			"delete_file",
			"send_message",
			"deploy",
		},
		ApprovalRiskThreshold:     RiskCritical,
		MaxRuntimeMinutes:         60,
		MaxSteps:                  100,
		AllowNetworkRequests:      true,
		CaptureScreenshots:        true,
		ScreenshotFrequency:       "timed",
		ScreenshotIntervalSeconds: 30,
	},
}

// Get returns the named profile, or nil when unknown.
func Get(name string) *Profile {
	return profiles[name]
}

// Names lists the available profile names.
func Names() []string {
	return []string{"default", "strict", "unattended"}
}
