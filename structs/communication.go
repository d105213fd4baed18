package structs

import "time"

// Question is a clarification request from a contestant to the admins.
type Question struct {
	ID              int64
	ParticipationID int64

	Timestamp time.Time
	Subject   string
	Text      string

	// ReplyTimestamp is nil until an admin answers.
	ReplyTimestamp *time.Time
	ReplySubject   string
	ReplyText      string

	Ignored bool
}

// Answered reports whether the question has received a reply.
func (q *Question) Answered() bool {
	return q.ReplyTimestamp != nil
}

// Announcement is a broadcast message from the admins to every
// participation of a contest.
type Announcement struct {
	ID        int64
	ContestID int64

	Timestamp time.Time
	Subject   string
	Text      string
}

// Message is a private communication from the admins to one
// participation.
type Message struct {
	ID              int64
	ParticipationID int64

	Timestamp time.Time
	Subject   string
	Text      string
}

// PrintJob is a contestant request to print a file at the contest venue.
type PrintJob struct {
	ID              int64
	ParticipationID int64

	Timestamp time.Time
	Filename  string
	Digest    string

	Done           bool
	StatusText     []string
	StatusChangeAt *time.Time
}
