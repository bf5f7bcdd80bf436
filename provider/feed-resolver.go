package provider

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/binance"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/kafka"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/kucoin"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/static"
)

var logger = logrus.WithField("component", "feed-resolver")

// ResolveFeed builds the depth feed named by cfg.Provider.
func ResolveFeed(cfg config.FeedConfig) (domain.DepthFeed, error) {
	var feed domain.DepthFeed
	switch cfg.Provider {
	case "binance":
		feed = binance.NewFeed(cfg)
	case "kucoin":
		feed = kucoin.NewFeed(cfg)
	case "kafka":
		feed = kafka.NewFeed(cfg)
	case "static":
		feed = static.NewFeed()
	default:
		return nil, errors.Errorf("unknown provider: %s", cfg.Provider)
	}

	logger.WithField("provider", feed.Name()).Info("depth feed resolved")
	return feed, nil
}
