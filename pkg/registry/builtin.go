package registry

type ConfirmActionInput struct {
	Action   string `json:"action" jsonschema:"description=The action to confirm"`
	Details  string `json:"details" jsonschema:"description=Details about what will happen"`
	Severity string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,description=How impactful is this action"`
}

type ConfirmActionOutput struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

type GenerateProposalInput struct {
	Coverage string  `json:"coverage" jsonschema:"description=Type of coverage requested"`
	Amount   float64 `json:"amount" jsonschema:"description=Coverage amount"`
	Details  string  `json:"details,omitempty" jsonschema:"description=Additional details"`
}

type GenerateProposalOutput struct {
	Success    bool   `json:"success"`
	ProposalID string `json:"proposalId"`
	Summary    string `json:"summary"`
}

type WeatherInfoInput struct {
	Location string `json:"location" jsonschema:"description=City or location name"`
}

type WeatherInfoOutput struct {
	Location    string  `json:"location"`
	Condition   string  `json:"condition"`
	Temperature float64 `json:"temperature"`
	Unit        string  `json:"unit" jsonschema:"enum=celsius,enum=fahrenheit"`
}

type UserLocationInput struct{}

type UserLocationOutput struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
}

// ProposalData is the payload of data-proposal parts.
type ProposalData struct {
	Title   string `json:"title,omitempty"`
	Content any    `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProposalCompleteData is the payload of a data-proposal part once status is complete.
type ProposalCompleteData struct {
	Title   string `json:"title,omitempty"`
	Content any    `json:"content"`
}

// StatusData is the payload of the transient data-status progress notification.
type StatusData struct {
	Message  string   `json:"message"`
	Progress *float64 `json:"progress,omitempty" jsonschema:"minimum=0,maximum=100"`
}

// Tool and data kind names registered by Default.
const (
	ToolConfirmAction    = "confirmAction"
	ToolGenerateProposal = "generateProposal"
	ToolGetWeatherInfo   = "getWeatherInfo"
	ToolGetUserLocation  = "getUserLocation"

	DataKindProposal = "proposal"
	DataKindStatus   = "status"
)

// Proposal statuses.
const (
	ProposalLoading    = "loading"
	ProposalGenerating = "generating"
	ProposalComplete   = "complete"
	ProposalError      = "error"
)

// Default returns a registry with the builtin variants, the agent tools and the
// proposal/status data kinds.
func Default() *Registry {
	r := New()
	must(r.RegisterTool(NewToolSpec[ConfirmActionInput, ConfirmActionOutput](
		ToolConfirmAction, "Ask the user to confirm an action before proceeding", false)))
	must(r.RegisterTool(NewToolSpec[GenerateProposalInput, GenerateProposalOutput](
		ToolGenerateProposal, "Generate an insurance proposal for the user", true)))
	must(r.RegisterTool(NewToolSpec[WeatherInfoInput, WeatherInfoOutput](
		ToolGetWeatherInfo, "Get weather information for a location", true)))
	must(r.RegisterTool(NewToolSpec[UserLocationInput, UserLocationOutput](
		ToolGetUserLocation, "Get the user's current location", false)))

	proposal := NewDataSpec[ProposalData](DataKindProposal,
		ProposalLoading, ProposalGenerating, ProposalComplete, ProposalError)
	proposal.Schemas[ProposalComplete] = reflectSchema[ProposalCompleteData]()
	must(r.RegisterData(proposal))

	status := NewDataSpec[StatusData](DataKindStatus, "running", "done")
	status.Transient = true
	must(r.RegisterData(status))

	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
