package contact

// Status is a contact's presence status.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusHidden
	StatusOnline
	StatusAway
	StatusBusy
	StatusBRB
	StatusLunch
	StatusPhone
	StatusIdle
)

// wire codes as they appear in NLN/FLN/CHG commands.
var statusCodes = map[Status]string{
	StatusOffline: "FLN",
	StatusHidden:  "HDN",
	StatusOnline:  "NLN",
	StatusAway:    "AWY",
	StatusBusy:    "BSY",
	StatusBRB:     "BRB",
	StatusLunch:   "LUN",
	StatusPhone:   "PHN",
	StatusIdle:    "IDL",
}

var statusFromCode = map[string]Status{
	"FLN": StatusOffline,
	"HDN": StatusHidden,
	"NLN": StatusOnline,
	"AWY": StatusAway,
	"BSY": StatusBusy,
	"BRB": StatusBRB,
	"LUN": StatusLunch,
	"PHN": StatusPhone,
	"IDL": StatusIdle,
}

// Code returns the wire code for a status. Unknown maps to FLN.
func (s Status) Code() string {
	if c, ok := statusCodes[s]; ok {
		return c
	}
	return "FLN"
}

// ParseStatus maps a wire code to a Status. Unrecognized codes are Unknown.
func ParseStatus(code string) Status {
	if s, ok := statusFromCode[code]; ok {
		return s
	}
	return StatusUnknown
}

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusHidden:
		return "hidden"
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	case StatusBusy:
		return "busy"
	case StatusBRB:
		return "brb"
	case StatusLunch:
		return "lunch"
	case StatusPhone:
		return "phone"
	case StatusIdle:
		return "idle"
	default:
		return "unknown"
	}
}
