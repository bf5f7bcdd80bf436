package binance

import (
	"github.com/pkg/errors"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

type DepthUpdateValidator struct{}

func (v *DepthUpdateValidator) IsValidUpd(update *domain.OrderBookUpdate, orderBookLastUpdId int64) error {
	// Drop any event where u is <= lastUpdateId in the snapshot
	if update.LastUpdateID <= orderBookLastUpdId {
		return domain.ErrOrderBookUpdateIsOutdated
	}

	// Each event must start at or before lastUpdateId+1 and end after it
	if update.FirstUpdateID <= orderBookLastUpdId+1 && update.LastUpdateID >= orderBookLastUpdId+1 {
		return nil
	}

	return domain.ErrOrderBookUpdateIsOutOfSequence
}

func (v *DepthUpdateValidator) IsErrOutOfSequence(err error) bool {
	return errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence)
}

func (v *DepthUpdateValidator) IsErrOutdated(err error) bool {
	return errors.Is(err, domain.ErrOrderBookUpdateIsOutdated)
}
