package telemetry

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	Validation
	Importing
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case Validation:
		return "validation"
	case Importing:
		return "importing"
	default:
		return "unknown"
	}
}
