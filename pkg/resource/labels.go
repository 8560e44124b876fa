package resource

// Label keys set on every resource gantry creates.
const (
	LabelManaged  = "gantry.managed"
	LabelSession  = "gantry.session"
	LabelResource = "gantry.resource"
	LabelKind     = "gantry.kind"

	// Set on the reaper companion only, never together with LabelSession.
	LabelReaper = "gantry.reaper"
)
