package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwMu        sync.RWMutex
	cwClient    *cloudwatch.Client
	cwNamespace = "BookFlow"
	cwDashboard = "BookFlow"
)

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to the AWS_REGION environment
// variable. When the client cannot be created the function logs a warning and
// metrics publishing remains disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func cloudWatch() (*cloudwatch.Client, string, string) {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient, cwNamespace, cwDashboard
}

// publishMetrics sends the provided metric data to CloudWatch when the client
// has been initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := cloudWatch()
	if client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	// PutMetricData accepts at most 1000 datums per call
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	if log.DebugEnabled() {
		names := make([]string, 0, len(data))
		for _, datum := range data {
			if datum.MetricName != nil {
				names = append(names, *datum.MetricName)
			}
		}
		log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
	}
}

// CreateDefaultDashboard ensures a basic dashboard exists when the CloudWatch
// client has been configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := cloudWatch()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","SequenceGaps"],
    ["%[1]s","Resyncs"],
    ["%[1]s","QuotesDropped"]
],
"period": 60,
"stat": "Maximum",
"title": "Book reconciliation"
}
},{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","CPUPercent"],
    ["%[1]s","MemoryMB"],
    ["%[1]s","Goroutines"]
],
"period": 60,
"stat": "Average",
"title": "BookFlow runtime"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
