package rate

import (
	"context"
	"net/http"
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"

	"bookflow/internal/metrics"
	"bookflow/logger"
)

// UsedWeightHeader carries the request weight consumed in the current minute.
const UsedWeightHeader = "X-MBX-USED-WEIGHT-1m"

// FetchRequestWeightLimit queries Binance exchangeInfo endpoint to retrieve the
// REQUEST_WEIGHT per minute limit. It returns 0 if the limit cannot be
// determined.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// ParseUsedWeight extracts the used weight from response headers. Missing or
// malformed headers yield 0.
func ParseUsedWeight(header http.Header) int64 {
	used, err := strconv.ParseInt(header.Get(UsedWeightHeader), 10, 64)
	if err != nil {
		return 0
	}
	return used
}

// ReportSnapshotWeight records the used weight for the given source IP and
// warns when it crosses 80% of the known limit.
func ReportSnapshotWeight(log *logger.Log, header http.Header, ip string, limit int64) int64 {
	used := ParseUsedWeight(header)
	metrics.SetUsedWeight(ip, used)

	if limit > 0 && used*5 >= limit*4 {
		log.WithComponent("binance_snapshot_reader").WithFields(logger.Fields{
			"ip":          ip,
			"used_weight": used,
			"limit":       limit,
		}).Warn("binance request weight above 80% of limit")
	}
	return used
}
