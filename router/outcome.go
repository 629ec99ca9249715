package router

// Outcome is the single routing decision for one inbound message. It is
// the whole contract between the router and its caller: the caller
// persists or discards the message accordingly.
type Outcome string

const (
	// ToSystem covers command addresses the platform handled itself.
	ToSystem Outcome = "TO_SYSTEM"
	// Dropped is the terminal safe outcome for anything undeliverable.
	Dropped Outcome = "DROPPED"
	// Receipt marks a read receipt applied to an existing chat message.
	Receipt Outcome = "RECEIPT"
	// ToUser is a reply delivered into a chat.
	ToUser Outcome = "TO_USER"
	// Approved is a group post published immediately.
	Approved Outcome = "APPROVED"
	// Pending is a group post held for moderator review.
	Pending Outcome = "PENDING"
	// IncomingSpam is a group post flagged by the spam battery.
	IncomingSpam Outcome = "INCOMING_SPAM"
	// ToVolunteers is mail for a group's volunteer team.
	ToVolunteers Outcome = "TO_VOLUNTEERS"
	// Tryst is a reply to a handover calendar invitation.
	Tryst Outcome = "TRYST"
)
