package smtp

// Envelope holds the MAIL FROM sender and ordered RCPT TO recipients for
// one in-flight transaction. Per spec.md §9 Open Question (a), RCPT
// duplicates are not deduplicated: each accepted RCPT TO is appended as-is.
type Envelope struct {
	Sender     string
	Recipients []string
}

// Reset clears the envelope for the next transaction. Called on message
// finalization and on RSET.
func (e *Envelope) Reset() {
	e.Sender = ""
	e.Recipients = nil
}

// HasSender reports whether MAIL FROM has been accepted for this
// transaction.
func (e *Envelope) HasSender() bool {
	return e.Sender != ""
}

// AddRecipient appends addr to the recipient list, preserving duplicates.
func (e *Envelope) AddRecipient(addr string) {
	e.Recipients = append(e.Recipients, addr)
}
