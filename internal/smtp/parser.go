package smtp

import (
	"fmt"
	"regexp"
	"strings"
)

// Action tells the Connection what side effect, if any, accompanies a
// parser transition. The parser itself never touches the filesystem; per
// spec.md's data-flow note ("connection updates envelope or opens/appends
// to message file → parser.reply"), the Connection enacts the side effect
// named by Action and then flushes Result.Reply.
type Action int

const (
	// ActionNone carries no side effect beyond the reply.
	ActionNone Action = iota
	// ActionOpenData tells the Connection to create the temporary message
	// file and enter append mode.
	ActionOpenData
	// ActionAppendData tells the Connection to append DataLine (already
	// dot-stuffing decoded) to the open message file.
	ActionAppendData
	// ActionFinalizeData tells the Connection to close the message file and
	// hand it to the post-DATA pipeline (transform dispatch or verbatim
	// maildrop write).
	ActionFinalizeData
	// ActionQuit tells the Connection that the reply is final; once
	// flushed, the reactor should deregister the fd.
	ActionQuit
)

// Result is returned by Step: the reply to send, and the side effect (if
// any) for the Connection to perform.
type Result struct {
	Reply    Reply
	Action   Action
	DataLine string
}

var (
	mailFromArgRE = regexp.MustCompile(`(?i)^\s*FROM:\s*<(.*)>\s*$`)
	rcptToArgRE   = regexp.MustCompile(`(?i)^\s*TO:\s*<(.*)>\s*$`)
)

// Parser drives one connection's command state machine. It owns the
// envelope and the greeting/transform flags named in spec.md §3 as
// "Connection ... Parser state"; Connection embeds a Parser and acts on
// the Result it returns.
type Parser struct {
	state        State
	mode         GreetingMode
	transformOn  bool
	envelope     Envelope
	serverDomain string
	verify       *VerifyFile
}

// NewParser creates a Parser for one connection. verify may be nil if no
// VRFY file was configured, in which case VRFY always replies
// "not found".
func NewParser(serverDomain string, verify *VerifyFile) *Parser {
	return &Parser{
		state:        AwaitGreeting,
		serverDomain: serverDomain,
		verify:       verify,
	}
}

// State returns the parser's current state.
func (p *Parser) State() State { return p.state }

// Mode returns the greeting mode (HELO/EHLO), ModeNone before greeting.
func (p *Parser) Mode() GreetingMode { return p.mode }

// TransformEnabled reports the connection-local TRFM toggle.
func (p *Parser) TransformEnabled() bool { return p.transformOn }

// Envelope returns the in-flight envelope (valid once a sender is set).
func (p *Parser) Envelope() *Envelope { return &p.envelope }

// Step advances the state machine by one input line (CRLF already
// stripped by the caller). In InData state, line is the raw wire line
// before dot-stuffing decode; Step performs the decode itself.
func (p *Parser) Step(line string) Result {
	if p.state == InData {
		return p.stepData(line)
	}

	verb, rest := splitVerb(line)
	upper := strings.ToUpper(verb)

	switch upper {
	case "HELO":
		return p.handleGreeting(rest, ModeHELO)
	case "EHLO":
		return p.handleGreeting(rest, ModeEHLO)
	case "MAIL":
		return p.handleMail(rest)
	case "RCPT":
		return p.handleRcpt(rest)
	case "DATA":
		return p.handleData(rest)
	case "RSET":
		return p.handleRset()
	case "NOOP":
		return Result{Reply: single("250 OK")}
	case "VRFY":
		return p.handleVrfy(rest)
	case "EXPN":
		return Result{Reply: single("502 not implemented")}
	case "TRFM":
		return p.handleTrfm()
	case "QUIT":
		p.state = Terminal
		return Result{
			Reply:  single(fmt.Sprintf("221 %s service closing", p.serverDomain)),
			Action: ActionQuit,
		}
	default:
		return Result{Reply: single("500 Command not recognized")}
	}
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

func (p *Parser) verbAllowed(states ...State) bool {
	for _, s := range states {
		if p.state == s {
			return true
		}
	}
	return false
}

func (p *Parser) handleGreeting(arg string, mode GreetingMode) Result {
	if p.state != AwaitGreeting {
		// PostGreeting and later: a repeated HELO/EHLO is out of sequence.
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Already greeted")}
	}

	arg = strings.TrimSpace(arg)
	var valid bool
	if mode == ModeHELO {
		valid = IsHELOArgument(arg)
	} else {
		valid = IsEHLOArgument(arg)
	}
	if !valid {
		return Result{Reply: single("501 Syntax error in parameters or arguments")}
	}

	p.mode = mode
	p.state = PostGreeting

	if mode == ModeHELO {
		return Result{Reply: single(fmt.Sprintf("250-%s Hello %s", p.serverDomain, arg))}
	}
	return Result{Reply: Reply{
		fmt.Sprintf("250-%s Hello %s", p.serverDomain, arg),
		"250-TRFM - Triggers email transformation",
	}}
}

func (p *Parser) handleMail(rest string) Result {
	if p.state == AwaitGreeting {
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need HELO/EHLO first")}
	}
	if p.state == HaveMailFrom || p.state == HaveRcptTo {
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. MAIL already given")}
	}

	m := mailFromArgRE.FindStringSubmatch(rest)
	if m == nil || !IsEmail(m[1]) {
		return Result{Reply: single("501 Syntax error in parameters or arguments")}
	}

	p.envelope.Reset()
	p.envelope.Sender = m[1]
	p.state = HaveMailFrom
	return Result{Reply: single("250 OK")}
}

func (p *Parser) handleRcpt(rest string) Result {
	switch p.state {
	case AwaitGreeting:
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need HELO/EHLO first")}
	case PostGreeting:
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need MAIL FROM")}
	}

	m := rcptToArgRE.FindStringSubmatch(rest)
	if m == nil || !IsEmail(m[1]) {
		return Result{Reply: single("501 Syntax error in parameters or arguments")}
	}

	p.envelope.AddRecipient(m[1])
	p.state = HaveRcptTo
	return Result{Reply: single("250 OK")}
}

func (p *Parser) handleData(rest string) Result {
	switch p.state {
	case HaveRcptTo:
		p.state = InData
		return Result{
			Reply:  single("354 Start mail input; end with <CLRF>.<CLRF>"),
			Action: ActionOpenData,
		}
	case HaveMailFrom:
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need RCPT TO")}
	case PostGreeting:
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need MAIL FROM")}
	default:
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need HELO/EHLO first")}
	}
}

func (p *Parser) stepData(line string) Result {
	decoded, terminated := DecodeBodyLine(line)
	if terminated {
		p.state = PostGreeting
		p.envelope.Reset()
		return Result{
			Reply:  single("250 Ok. Queued"),
			Action: ActionFinalizeData,
		}
	}
	return Result{Action: ActionAppendData, DataLine: decoded}
}

func (p *Parser) handleRset() Result {
	p.envelope.Reset()
	if p.state != AwaitGreeting {
		p.state = PostGreeting
	}
	return Result{Reply: single("250 OK")}
}

func (p *Parser) handleTrfm() Result {
	if p.state == AwaitGreeting {
		return Result{Reply: single("503-5.5.1 Bad Sequence of Commands. Need HELO/EHLO first")}
	}
	if p.mode != ModeEHLO {
		return Result{Reply: single("502  Command not implemented")}
	}
	p.transformOn = !p.transformOn
	return Result{Reply: single("250 OK")}
}

func (p *Parser) handleVrfy(rest string) Result {
	arg := strings.TrimSpace(rest)
	if p.verify == nil {
		return Result{Reply: single("553 mailbox not found")}
	}

	matches, err := p.verify.Lookup(arg)
	if err != nil {
		return Result{Reply: single("553 mailbox not found")}
	}

	switch len(matches) {
	case 0:
		return Result{Reply: single("553 mailbox not found")}
	case 1:
		return Result{Reply: single(fmt.Sprintf("250-<%s>", matches[0]))}
	default:
		lines := make(Reply, len(matches))
		for i, m := range matches {
			if i == len(matches)-1 {
				lines[i] = "553 " + m
			} else {
				lines[i] = "553-" + m
			}
		}
		return Result{Reply: lines}
	}
}
