package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// NotificationTarget is a delivery channel with zero or more subscriber
// endpoints.
type NotificationTarget struct {
	Topic         *sns.Topic
	Subscriptions []*sns.TopicSubscription
}

// MetricSource identifies the utilization metric a resource emits.
type MetricSource interface {
	metric() (namespace, metricName string, dimensions pulumi.StringMap)
}

func (w *Workload) metric() (string, string, pulumi.StringMap) {
	return "AWS/ECS", "CPUUtilization", pulumi.StringMap{
		"ClusterName": w.Cluster.ECSCluster.Name,
		"ServiceName": w.Service.Name,
	}
}

func (d *DataStore) metric() (string, string, pulumi.StringMap) {
	return "AWS/RDS", "CPUUtilization", pulumi.StringMap{
		"DBInstanceIdentifier": d.Instance.Identifier,
	}
}

// AlarmConfig describes the threshold watch for one metric.
type AlarmConfig struct {
	PeriodSeconds     int
	Threshold         float64
	Comparison        string
	EvaluationPeriods int
	DatapointsToAlarm int
}

// Alarm is a declarative threshold watcher; notification to the bound
// targets is fire-and-forget and no remediation is triggered.
type Alarm struct {
	MetricAlarm *cloudwatch.MetricAlarm
}

// CreateNotificationTarget creates the alerting channel with one email
// subscription per subscriber.
func CreateNotificationTarget(ctx *pulumi.Context, name string, subscribers []string) (*NotificationTarget, error) {
	for _, s := range subscribers {
		if s == "" {
			return nil, fmt.Errorf("notification target %q: subscriber endpoint must not be empty", name)
		}
	}

	topic, err := sns.NewTopic(ctx, name, &sns.TopicArgs{
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	subscriptions := make([]*sns.TopicSubscription, 0, len(subscribers))
	for i, subscriber := range subscribers {
		subscription, err := sns.NewTopicSubscription(ctx, fmt.Sprintf("%s-subscription-%d", name, i+1), &sns.TopicSubscriptionArgs{
			Topic:    topic.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(subscriber),
		})
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}

	return &NotificationTarget{
		Topic:         topic,
		Subscriptions: subscriptions,
	}, nil
}

// CreateAlarm watches one resource utilization metric and notifies the
// given targets when the threshold is breached for datapointsToAlarm of the
// last evaluationPeriods periods.
func CreateAlarm(ctx *pulumi.Context, name string, source MetricSource, cfg AlarmConfig, targets []*NotificationTarget) (*Alarm, error) {
	if source == nil {
		return nil, fmt.Errorf("alarm %q: a metric source is required", name)
	}
	if cfg.PeriodSeconds < 1 {
		return nil, fmt.Errorf("alarm %q: period must be positive, got %d", name, cfg.PeriodSeconds)
	}
	if cfg.EvaluationPeriods < 1 {
		return nil, fmt.Errorf("alarm %q: evaluation periods must be positive, got %d", name, cfg.EvaluationPeriods)
	}
	if cfg.DatapointsToAlarm < 1 {
		return nil, fmt.Errorf("alarm %q: datapoints to alarm must be positive, got %d", name, cfg.DatapointsToAlarm)
	}
	if cfg.DatapointsToAlarm > cfg.EvaluationPeriods {
		return nil, fmt.Errorf("alarm %q: datapoints to alarm %d exceeds evaluation periods %d", name, cfg.DatapointsToAlarm, cfg.EvaluationPeriods)
	}
	if cfg.Comparison == "" {
		return nil, fmt.Errorf("alarm %q: a comparison operator is required", name)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("alarm %q: at least one notification target is required", name)
	}

	actions := pulumi.Array{}
	for _, target := range targets {
		actions = append(actions, target.Topic.Arn)
	}

	namespace, metricName, dimensions := source.metric()
	alarm, err := cloudwatch.NewMetricAlarm(ctx, name, &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(name),
		Namespace:          pulumi.String(namespace),
		MetricName:         pulumi.String(metricName),
		Dimensions:         dimensions,
		Statistic:          pulumi.String("Average"),
		Period:             pulumi.Int(cfg.PeriodSeconds),
		Threshold:          pulumi.Float64(cfg.Threshold),
		ComparisonOperator: pulumi.String(cfg.Comparison),
		EvaluationPeriods:  pulumi.Int(cfg.EvaluationPeriods),
		DatapointsToAlarm:  pulumi.Int(cfg.DatapointsToAlarm),
		AlarmActions:       actions,
		AlarmDescription:   pulumi.String(fmt.Sprintf("%s %s %s %v", metricName, namespace, cfg.Comparison, cfg.Threshold)),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	return &Alarm{MetricAlarm: alarm}, nil
}
