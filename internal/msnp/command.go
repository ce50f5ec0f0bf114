package msnp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Command is one framed MSNP protocol unit: a verb line plus an optional
// binary payload whose byte length is declared as the last argument of the
// verb line.
type Command struct {
	Verb    string
	Args    []string
	Payload []byte
}

// payloadVerbs lists the inbound verbs that carry a declared-length payload
// after the command line. The last numeric argument is the payload length.
var payloadVerbs = map[string]bool{
	"MSG": true,
	"UBX": true,
	"UBN": true,
	"UBM": true,
	"ADL": true,
	"RML": true,
	"FQY": true,
	"GCF": true,
	"NFY": true,
	"SDG": true,
	"NOT": true,
	"PUT": true,
	"DEL": true,
	"UUN": true,
	"IPG": true,
}

// NewCommand builds an outbound command with no payload.
func NewCommand(verb string, args ...string) *Command {
	return &Command{Verb: verb, Args: args}
}

// NewPayloadCommand builds an outbound command carrying a payload. The
// payload length argument is appended during serialization, not here.
func NewPayloadCommand(verb string, payload []byte, args ...string) *Command {
	return &Command{Verb: verb, Args: args, Payload: payload}
}

// HasPayload reports whether this verb declares a trailing payload when the
// last argument is its byte length.
func HasPayload(verb string) bool {
	return payloadVerbs[verb]
}

// ParseLine parses a single command line (without trailing CRLF) into verb
// and arguments. The caller is responsible for reading any declared payload.
func ParseLine(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	verb := fields[0]
	if len(verb) != 3 {
		return nil, fmt.Errorf("malformed verb %q", verb)
	}
	return &Command{Verb: verb, Args: fields[1:]}, nil
}

// PayloadLength returns the declared payload byte count for a parsed command
// line, or 0 if the verb does not carry a payload or the length argument is
// missing or non-numeric.
func (c *Command) PayloadLength() int {
	if !payloadVerbs[c.Verb] || len(c.Args) == 0 {
		return 0
	}
	n, err := strconv.Atoi(c.Args[len(c.Args)-1])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// TrID returns the transaction id carried in the first argument, or 0 if the
// command has none.
func (c *Command) TrID() uint32 {
	if len(c.Args) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(c.Args[0], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// Arg returns argument i or the empty string when out of range.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Bytes serializes the command for the wire: verb line, CRLF, then the raw
// payload if present. Payload commands get the payload length appended as
// the final argument.
func (c *Command) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.Verb)
	for _, a := range c.Args {
		buf.WriteByte(' ')
		buf.WriteString(a)
	}
	if c.Payload != nil {
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(len(c.Payload)))
	}
	buf.WriteString("\r\n")
	if c.Payload != nil {
		buf.Write(c.Payload)
	}
	return buf.Bytes()
}

// String renders the verb line only, for logging.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(c.Args, " ")
}
