package aggregator

import "github.com/brensch/formexport/internal/decrypt"

// Counters tallies results by status. Values only ever increase.
type Counters struct {
	Success         int
	ParseError      int
	DecryptionError int
	Unverified      int
	AttachmentError int
}

// Record counts one result.
func (c *Counters) Record(s decrypt.Status) {
	switch s {
	case decrypt.StatusSuccess:
		c.Success++
	case decrypt.StatusParseError:
		c.ParseError++
	case decrypt.StatusDecryptionError:
		c.DecryptionError++
	case decrypt.StatusUnverified:
		c.Unverified++
	case decrypt.StatusAttachmentError:
		c.AttachmentError++
	}
}

// Errors counts results that produced no row.
func (c Counters) Errors() int {
	return c.ParseError + c.DecryptionError + c.AttachmentError
}

// Failures counts every result that is not a success.
func (c Counters) Failures() int {
	return c.Errors() + c.Unverified
}

// Received counts every result.
func (c Counters) Received() int {
	return c.Success + c.Failures()
}
