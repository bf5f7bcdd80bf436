package domain

import "github.com/pkg/errors"

var (
	// Counted by the synchronizer; once a threshold is reached the stream is
	// closed and the book is resynced from a fresh snapshot.
	ErrOrderBookUpdateIsOutOfSequence = errors.New("order book update is out of sequence")
	// Skipped silently.
	ErrOrderBookUpdateIsOutdated = errors.New("order book update is outdated")
)

type IDepthUpdateValidator interface {
	// if return nil, the update is valid
	IsValidUpd(update *OrderBookUpdate, orderBookLastUpdId int64) error
	IsErrOutOfSequence(err error) bool
	IsErrOutdated(err error) bool
}
