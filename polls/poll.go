package polls

import (
	"time"
)

type Poll struct {
	ID        string     `json:"id"`
	Question  string     `json:"question"`
	Options   []Option   `json:"options"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether votes must be rejected at now.
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

func (p *Poll) Option(id string) (Option, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

type Option struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	VotesCount int64  `json:"votesCount"`
}

type Vote struct {
	ID         string    `json:"id"`
	PollID     string    `json:"pollId"`
	OptionID   string    `json:"optionId"`
	HashedIP   string    `json:"-"`
	VoterToken string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

type OptionResult struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	VotesCount int64  `json:"votesCount"`
	Percentage int64  `json:"percentage"`
}

// Snapshot is the tally of a poll at one instant. TotalVotes never decreases
// for a given poll, so it doubles as the snapshot version.
type Snapshot struct {
	PollID     string         `json:"pollId"`
	Results    []OptionResult `json:"results"`
	TotalVotes int64          `json:"totalVotes"`
}

func NewSnapshot(pollID string, options []Option) Snapshot {
	total := TotalVotes(options)

	results := make([]OptionResult, len(options))
	for i, o := range options {
		results[i] = OptionResult{
			ID:         o.ID,
			Text:       o.Text,
			VotesCount: o.VotesCount,
			Percentage: Percentage(o.VotesCount, total),
		}
	}

	return Snapshot{
		PollID:     pollID,
		Results:    results,
		TotalVotes: total,
	}
}

// Percentage returns round(count/total*100) with halves rounded up, or 0 when
// total is 0.
func Percentage(count, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return (200*count + total) / (2 * total)
}

func TotalVotes(options []Option) int64 {
	var total int64
	for _, o := range options {
		total += o.VotesCount
	}
	return total
}
