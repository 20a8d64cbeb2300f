package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	defaultRegion = "us-east-1"

	backendImage  = "public.ecr.aws/acme-labs/webapp-backend:latest"
	frontendImage = "public.ecr.aws/acme-labs/webapp-frontend:latest"
	alertEmail    = "ops@acme-labs.example"
)

// topologyConfig carries the deployment target and image references into
// the builders.
type topologyConfig struct {
	Account       string
	Region        string
	BackendImage  string
	FrontendImage string
	AlertEmail    string
}

func main() {
	// Optional .env for local runs
	_ = godotenv.Load()

	cfg := topologyConfig{
		Account:       os.Getenv("DEPLOY_ACCOUNT"),
		Region:        os.Getenv("DEPLOY_REGION"),
		BackendImage:  backendImage,
		FrontendImage: frontendImage,
		AlertEmail:    alertEmail,
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	pulumi.Run(func(ctx *pulumi.Context) error {
		return buildTopology(ctx, cfg)
	})
}

// buildTopology wires the five resource groups in dependency order: network,
// secret and data store, cluster and workloads, security policy, alerting.
// Any validation error aborts before the remaining groups are defined.
func buildTopology(ctx *pulumi.Context, cfg topologyConfig) error {
	// 1. Network topology
	network, err := BuildNetwork(ctx, "webapp", cfg.Region, 2, 1)
	if err != nil {
		return err
	}

	// 2. Secret and data store
	credential, err := GenerateCredential(ctx, "webapp-db-credentials", "appuser", `@/\ '"`)
	if err != nil {
		return err
	}

	dataStore, err := ProvisionDataStore(ctx, "webapp-db", network, credential, TierPrivate, "appdb", DataStoreSizing{
		EngineVersion:         "15.4",
		InstanceClass:         "db.t3.micro",
		AllocatedStorageGb:    20,
		MaxAllocatedStorageGb: 100,
	}, 0)
	if err != nil {
		return err
	}

	// 3. Cluster and workloads
	cluster, err := BuildCluster(ctx, "webapp", network)
	if err != nil {
		return err
	}

	backend, entryPoint, err := AddLoadBalancedWorkload(ctx, "backend", cluster, WorkloadSpec{
		Image:         cfg.BackendImage,
		ContainerPort: 8080,
		Cpu:           256,
		MemoryMib:     512,
		DesiredCount:  2,
		Env: map[string]pulumi.StringInput{
			"DB_HOST": dataStore.Instance.Address,
			"DB_PORT": pulumi.String(strconv.Itoa(dataStore.Port)),
			"DB_NAME": pulumi.String(dataStore.DbName),
		},
		Secrets: []SecretBinding{
			{Name: "DB_USER", Credential: credential, Field: "username"},
			{Name: "DB_PASSWORD", Credential: credential, Field: "password"},
		},
		HealthCheckPath: "/healthz",
	})
	if err != nil {
		return err
	}

	frontend, err := AddStandaloneWorkload(ctx, "frontend", cluster, StandaloneSpec{
		Image:         cfg.FrontendImage,
		ContainerPort: 80,
		Cpu:           256,
		MemoryMib:     512,
		DesiredCount:  1,
		Placement:     TierPublic,
		Exposure: ExposurePolicy{
			AssignPublicIp: true,
			OpenPorts:      []int{80},
		},
	})
	if err != nil {
		return err
	}

	// 4. Security policy
	if err := GrantImagePull(ctx, backend); err != nil {
		return err
	}
	if err := GrantImagePull(ctx, frontend); err != nil {
		return err
	}

	_, err = AllowIngressFromWorkload(ctx, "backend-to-db", dataStore, backend, dataStore.Port, "Postgres from the backend service only")
	if err != nil {
		return err
	}

	_, err = AttachFirewallPolicy(ctx, "backend-waf", entryPoint, []ManagedRuleGroup{
		{Name: "AWSManagedRulesCommonRuleSet", VendorName: "AWS"},
		{Name: "AWSManagedRulesKnownBadInputsRuleSet", VendorName: "AWS"},
	}, "allow")
	if err != nil {
		return err
	}

	// 5. Observability and alerting
	alerts, err := CreateNotificationTarget(ctx, "webapp-alerts", []string{cfg.AlertEmail})
	if err != nil {
		return err
	}

	_, err = CreateAlarm(ctx, "backend-cpu-high", backend, AlarmConfig{
		PeriodSeconds:     300,
		Threshold:         80,
		Comparison:        "GreaterThanThreshold",
		EvaluationPeriods: 3,
		DatapointsToAlarm: 2,
	}, []*NotificationTarget{alerts})
	if err != nil {
		return err
	}

	_, err = CreateAlarm(ctx, "webapp-db-cpu-high", dataStore, AlarmConfig{
		PeriodSeconds:     300,
		Threshold:         90,
		Comparison:        "GreaterThanThreshold",
		EvaluationPeriods: 3,
		DatapointsToAlarm: 3,
	}, []*NotificationTarget{alerts})
	if err != nil {
		return err
	}

	// Export deployment outputs
	ctx.Export("deployAccount", pulumi.String(cfg.Account))
	ctx.Export("deployRegion", pulumi.String(cfg.Region))
	ctx.Export("vpcId", network.Vpc.ID())
	ctx.Export("publicSubnetIds", subnetIDs(network.PublicSubnets))
	ctx.Export("privateSubnetIds", subnetIDs(network.PrivateSubnets))
	ctx.Export("dbEndpoint", dataStore.Instance.Address)
	ctx.Export("dbSecretArn", credential.Secret.Arn)
	ctx.Export("clusterName", cluster.ECSCluster.Name)
	ctx.Export("backendUrl", pulumi.Sprintf("http://%s", entryPoint.LoadBalancer.DnsName))
	ctx.Export("alertsTopicArn", alerts.Topic.Arn)

	return nil
}
