package store

import "time"

type Mailbox struct {
	Email      string
	CreatedAt  time.Time
	OriginAddr string
}

type Message struct {
	ID         int64
	Recipient  string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// MailboxStat is one row of the admin mailbox listing: registration metadata
// plus the number of messages currently held for the address.
type MailboxStat struct {
	Email        string
	CreatedAt    time.Time
	OriginAddr   string
	MessageCount int64
}
