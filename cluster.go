package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lb"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	entryPointListenerPort  = 80
	defaultLogRetentionDays = 30
)

// Cluster is the logical execution group the workloads run in.
type Cluster struct {
	ECSCluster *ecs.Cluster
	Network    *Network

	name string
}

// SecretBinding binds an environment variable to one field of a Credential
// by reference.
type SecretBinding struct {
	Name       string
	Credential *Credential
	Field      string
}

// WorkloadSpec describes a load-balanced container workload.
type WorkloadSpec struct {
	Image            string
	ContainerPort    int
	Cpu              int
	MemoryMib        int
	DesiredCount     int
	Env              map[string]pulumi.StringInput
	Secrets          []SecretBinding
	HealthCheckPath  string
	LogRetentionDays int
}

// ExposurePolicy controls how a standalone workload is reachable.
type ExposurePolicy struct {
	AssignPublicIp bool
	OpenPorts      []int
}

// StandaloneSpec describes a workload with its own placement and exposure
// policy and no load balancer.
type StandaloneSpec struct {
	Image            string
	ContainerPort    int
	Cpu              int
	MemoryMib        int
	DesiredCount     int
	Env              map[string]pulumi.StringInput
	Placement        SubnetTier
	Exposure         ExposurePolicy
	LogRetentionDays int
}

// Workload is one deployable unit within a Cluster.
type Workload struct {
	Service        *ecs.Service
	TaskDefinition *ecs.TaskDefinition
	SecurityGroup  *ec2.SecurityGroup
	ExecutionRole  *iam.Role
	LogGroup       *cloudwatch.LogGroup
	Cluster        *Cluster

	name      string
	pullGrant *iam.RolePolicyAttachment
}

// PublicEntryPoint is the load-balancing front co-created with a
// load-balanced Workload.
type PublicEntryPoint struct {
	LoadBalancer  *lb.LoadBalancer
	Listener      *lb.Listener
	TargetGroup   *lb.TargetGroup
	SecurityGroup *ec2.SecurityGroup

	name     string
	firewall *FirewallPolicy
}

// BuildCluster creates the execution cluster inside the network.
func BuildCluster(ctx *pulumi.Context, name string, network *Network) (*Cluster, error) {
	if network == nil {
		return nil, fmt.Errorf("cluster %q: a network is required", name)
	}

	cluster, err := ecs.NewCluster(ctx, name, &ecs.ClusterArgs{
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	return &Cluster{
		ECSCluster: cluster,
		Network:    network,
		name:       name,
	}, nil
}

func (s WorkloadSpec) validate(name string) error {
	return validateWorkloadShape(name, s.Image, s.ContainerPort, s.Cpu, s.MemoryMib, s.DesiredCount, s.Secrets)
}

func (s StandaloneSpec) validate(name string) error {
	if err := validateWorkloadShape(name, s.Image, s.ContainerPort, s.Cpu, s.MemoryMib, s.DesiredCount, nil); err != nil {
		return err
	}
	if s.Exposure.AssignPublicIp && s.Placement != TierPublic {
		return fmt.Errorf("workload %q: a public IP requires placement in the public tier", name)
	}
	for _, p := range s.Exposure.OpenPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("workload %q: open port %d is out of range", name, p)
		}
	}
	return nil
}

func validateWorkloadShape(name, image string, port, cpu, memory, desired int, secrets []SecretBinding) error {
	if image == "" {
		return fmt.Errorf("workload %q: a container image reference is required", name)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("workload %q: container port %d is out of range", name, port)
	}
	if cpu < 1 {
		return fmt.Errorf("workload %q: cpu must be positive, got %d", name, cpu)
	}
	if memory < 1 {
		return fmt.Errorf("workload %q: memory must be positive, got %d", name, memory)
	}
	if desired < 1 {
		return fmt.Errorf("workload %q: desired count must be positive, got %d", name, desired)
	}
	for _, b := range secrets {
		if b.Credential == nil {
			return fmt.Errorf("workload %q: secret binding %s references no credential", name, b.Name)
		}
		if !credentialFields[b.Field] {
			return fmt.Errorf("workload %q: secret binding %s references unknown field %q", name, b.Name, b.Field)
		}
	}
	return nil
}

// AddLoadBalancedWorkload creates a workload fronted by a public load
// balancer. The workload and its entry point are co-created as one unit:
// the service runs in the private tier and accepts traffic only from the
// entry point's security group.
func AddLoadBalancedWorkload(ctx *pulumi.Context, name string, cluster *Cluster, spec WorkloadSpec) (*Workload, *PublicEntryPoint, error) {
	if cluster == nil {
		return nil, nil, fmt.Errorf("workload %q: a cluster is required", name)
	}
	if err := spec.validate(name); err != nil {
		return nil, nil, err
	}

	network := cluster.Network

	logGroup, executionRole, err := workloadSupport(ctx, name, spec.LogRetentionDays, spec.Secrets)
	if err != nil {
		return nil, nil, err
	}

	// Create the load balancer security group, open on the listener port
	albSecurityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-alb-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Public entry point for %s", name)),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:    pulumi.String("tcp"),
				FromPort:    pulumi.Int(entryPointListenerPort),
				ToPort:      pulumi.Int(entryPointListenerPort),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("HTTP from anywhere"),
			},
		},
		Egress: egressAllowAll(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-alb-sg", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	// Create the service security group, reachable only from the entry point
	serviceSecurityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Service traffic for %s", name)),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:       pulumi.String("tcp"),
				FromPort:       pulumi.Int(spec.ContainerPort),
				ToPort:         pulumi.Int(spec.ContainerPort),
				SecurityGroups: pulumi.StringArray{albSecurityGroup.ID()},
				Description:    pulumi.String("Traffic from the load balancer"),
			},
		},
		Egress: egressAllowAll(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-sg", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	// Create the application load balancer across the public subnets
	loadBalancer, err := lb.NewLoadBalancer(ctx, fmt.Sprintf("%s-alb", name), &lb.LoadBalancerArgs{
		Internal:         pulumi.Bool(false),
		LoadBalancerType: pulumi.String("application"),
		SecurityGroups:   pulumi.StringArray{albSecurityGroup.ID()},
		Subnets:          subnetIDs(network.PublicSubnets),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-alb", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	healthCheckPath := spec.HealthCheckPath
	if healthCheckPath == "" {
		healthCheckPath = "/"
	}

	targetGroup, err := lb.NewTargetGroup(ctx, fmt.Sprintf("%s-tg", name), &lb.TargetGroupArgs{
		Port:       pulumi.Int(spec.ContainerPort),
		Protocol:   pulumi.String("HTTP"),
		TargetType: pulumi.String("ip"),
		VpcId:      network.Vpc.ID(),
		HealthCheck: &lb.TargetGroupHealthCheckArgs{
			Path:    pulumi.String(healthCheckPath),
			Matcher: pulumi.String("200"),
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-tg", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	listener, err := lb.NewListener(ctx, fmt.Sprintf("%s-listener", name), &lb.ListenerArgs{
		LoadBalancerArn: loadBalancer.Arn,
		Port:            pulumi.Int(entryPointListenerPort),
		Protocol:        pulumi.String("HTTP"),
		DefaultActions: lb.ListenerDefaultActionArray{
			&lb.ListenerDefaultActionArgs{
				Type:           pulumi.String("forward"),
				TargetGroupArn: targetGroup.Arn,
			},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	taskDefinition, err := ecs.NewTaskDefinition(ctx, name, &ecs.TaskDefinitionArgs{
		Family:                  pulumi.String(name),
		Cpu:                     pulumi.String(strconv.Itoa(spec.Cpu)),
		Memory:                  pulumi.String(strconv.Itoa(spec.MemoryMib)),
		NetworkMode:             pulumi.String("awsvpc"),
		RequiresCompatibilities: pulumi.StringArray{pulumi.String("FARGATE")},
		ExecutionRoleArn:        executionRole.Arn,
		ContainerDefinitions:    containerDefinitions(name, spec.Image, spec.ContainerPort, spec.Env, spec.Secrets, logGroup, network.Region),
	})
	if err != nil {
		return nil, nil, err
	}

	service, err := ecs.NewService(ctx, name, &ecs.ServiceArgs{
		Cluster:        cluster.ECSCluster.Arn,
		TaskDefinition: taskDefinition.Arn,
		DesiredCount:   pulumi.Int(spec.DesiredCount),
		LaunchType:     pulumi.String("FARGATE"),
		NetworkConfiguration: &ecs.ServiceNetworkConfigurationArgs{
			AssignPublicIp: pulumi.Bool(false),
			Subnets:        subnetIDs(network.PrivateSubnets),
			SecurityGroups: pulumi.StringArray{serviceSecurityGroup.ID()},
		},
		LoadBalancers: ecs.ServiceLoadBalancerArray{
			&ecs.ServiceLoadBalancerArgs{
				TargetGroupArn: targetGroup.Arn,
				ContainerName:  pulumi.String(name),
				ContainerPort:  pulumi.Int(spec.ContainerPort),
			},
		},
	}, pulumi.DependsOn([]pulumi.Resource{listener}))
	if err != nil {
		return nil, nil, err
	}

	workload := &Workload{
		Service:        service,
		TaskDefinition: taskDefinition,
		SecurityGroup:  serviceSecurityGroup,
		ExecutionRole:  executionRole,
		LogGroup:       logGroup,
		Cluster:        cluster,
		name:           name,
	}
	entryPoint := &PublicEntryPoint{
		LoadBalancer:  loadBalancer,
		Listener:      listener,
		TargetGroup:   targetGroup,
		SecurityGroup: albSecurityGroup,
		name:          fmt.Sprintf("%s-entry", name),
	}
	return workload, entryPoint, nil
}

// AddStandaloneWorkload creates a workload with its own network placement
// and exposure policy and no load balancer.
func AddStandaloneWorkload(ctx *pulumi.Context, name string, cluster *Cluster, spec StandaloneSpec) (*Workload, error) {
	if cluster == nil {
		return nil, fmt.Errorf("workload %q: a cluster is required", name)
	}
	if err := spec.validate(name); err != nil {
		return nil, err
	}

	network := cluster.Network

	logGroup, executionRole, err := workloadSupport(ctx, name, spec.LogRetentionDays, nil)
	if err != nil {
		return nil, err
	}

	ingress := ec2.SecurityGroupIngressArray{}
	for _, port := range spec.Exposure.OpenPorts {
		ingress = append(ingress, &ec2.SecurityGroupIngressArgs{
			Protocol:    pulumi.String("tcp"),
			FromPort:    pulumi.Int(port),
			ToPort:      pulumi.Int(port),
			CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
			Description: pulumi.String(fmt.Sprintf("Port %d from anywhere", port)),
		})
	}

	securityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Service traffic for %s", name)),
		Ingress:     ingress,
		Egress:      egressAllowAll(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-sg", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	taskDefinition, err := ecs.NewTaskDefinition(ctx, name, &ecs.TaskDefinitionArgs{
		Family:                  pulumi.String(name),
		Cpu:                     pulumi.String(strconv.Itoa(spec.Cpu)),
		Memory:                  pulumi.String(strconv.Itoa(spec.MemoryMib)),
		NetworkMode:             pulumi.String("awsvpc"),
		RequiresCompatibilities: pulumi.StringArray{pulumi.String("FARGATE")},
		ExecutionRoleArn:        executionRole.Arn,
		ContainerDefinitions:    containerDefinitions(name, spec.Image, spec.ContainerPort, spec.Env, nil, logGroup, network.Region),
	})
	if err != nil {
		return nil, err
	}

	subnets := network.PrivateSubnets
	if spec.Placement == TierPublic {
		subnets = network.PublicSubnets
	}

	service, err := ecs.NewService(ctx, name, &ecs.ServiceArgs{
		Cluster:        cluster.ECSCluster.Arn,
		TaskDefinition: taskDefinition.Arn,
		DesiredCount:   pulumi.Int(spec.DesiredCount),
		LaunchType:     pulumi.String("FARGATE"),
		NetworkConfiguration: &ecs.ServiceNetworkConfigurationArgs{
			AssignPublicIp: pulumi.Bool(spec.Exposure.AssignPublicIp),
			Subnets:        subnetIDs(subnets),
			SecurityGroups: pulumi.StringArray{securityGroup.ID()},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Workload{
		Service:        service,
		TaskDefinition: taskDefinition,
		SecurityGroup:  securityGroup,
		ExecutionRole:  executionRole,
		LogGroup:       logGroup,
		Cluster:        cluster,
		name:           name,
	}, nil
}

// workloadSupport creates the log sink and execution role shared by both
// workload kinds. When secret bindings exist the role may read the bound
// secret values at task start.
func workloadSupport(ctx *pulumi.Context, name string, logRetentionDays int, secrets []SecretBinding) (*cloudwatch.LogGroup, *iam.Role, error) {
	if logRetentionDays < 1 {
		logRetentionDays = defaultLogRetentionDays
	}

	logGroup, err := cloudwatch.NewLogGroup(ctx, fmt.Sprintf("%s-logs", name), &cloudwatch.LogGroupArgs{
		RetentionInDays: pulumi.Int(logRetentionDays),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-logs", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	executionRole, err := iam.NewRole(ctx, fmt.Sprintf("%s-exec-role", name), &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Action": "sts:AssumeRole",
				"Principal": {
					"Service": "ecs-tasks.amazonaws.com"
				},
				"Effect": "Allow",
				"Sid": ""
			}]
		}`),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-exec-role", name)),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	if len(secrets) > 0 {
		_, err = iam.NewRolePolicy(ctx, fmt.Sprintf("%s-secret-read-policy", name), &iam.RolePolicyArgs{
			Role:   executionRole.ID(),
			Policy: secretReadPolicy(secrets),
		})
		if err != nil {
			return nil, nil, err
		}
	}

	return logGroup, executionRole, nil
}

// secretReadPolicy grants read access to the distinct secrets behind the
// given bindings.
func secretReadPolicy(secrets []SecretBinding) pulumi.StringOutput {
	seen := make(map[*Credential]bool)
	arns := make([]interface{}, 0, len(secrets))
	for _, b := range secrets {
		if !seen[b.Credential] {
			seen[b.Credential] = true
			arns = append(arns, b.Credential.Secret.Arn)
		}
	}

	return pulumi.All(arns...).ApplyT(func(vals []interface{}) (string, error) {
		quoted := make([]string, len(vals))
		for i, v := range vals {
			quoted[i] = strconv.Quote(v.(string))
		}
		return fmt.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Action": [
					"secretsmanager:GetSecretValue"
				],
				"Effect": "Allow",
				"Resource": [%s]
			}]
		}`, strings.Join(quoted, ",")), nil
	}).(pulumi.StringOutput)
}

type containerKeyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerSecretRef struct {
	Name      string `json:"name"`
	ValueFrom string `json:"valueFrom"`
}

type containerPortMapping struct {
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

type containerLogConfiguration struct {
	LogDriver string            `json:"logDriver"`
	Options   map[string]string `json:"options"`
}

type containerDefinition struct {
	Name             string                     `json:"name"`
	Image            string                     `json:"image"`
	Essential        bool                       `json:"essential"`
	PortMappings     []containerPortMapping     `json:"portMappings"`
	Environment      []containerKeyValue        `json:"environment,omitempty"`
	Secrets          []containerSecretRef       `json:"secrets,omitempty"`
	LogConfiguration *containerLogConfiguration `json:"logConfiguration"`
}

// containerDefinitions renders the task's container definition JSON. Env
// bindings become literal values; secret bindings become valueFrom
// references to the credential's secret, never the plaintext.
func containerDefinitions(name, image string, port int, env map[string]pulumi.StringInput, secrets []SecretBinding, logGroup *cloudwatch.LogGroup, region string) pulumi.StringOutput {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputs := []interface{}{logGroup.Name}
	for _, k := range keys {
		inputs = append(inputs, env[k])
	}
	for _, b := range secrets {
		inputs = append(inputs, b.Credential.fieldRef(b.Field))
	}

	return pulumi.All(inputs...).ApplyT(func(vals []interface{}) (string, error) {
		def := containerDefinition{
			Name:      name,
			Image:     image,
			Essential: true,
			PortMappings: []containerPortMapping{
				{ContainerPort: port, Protocol: "tcp"},
			},
			LogConfiguration: &containerLogConfiguration{
				LogDriver: "awslogs",
				Options: map[string]string{
					"awslogs-group":         vals[0].(string),
					"awslogs-region":        region,
					"awslogs-stream-prefix": name,
				},
			},
		}
		for i, k := range keys {
			def.Environment = append(def.Environment, containerKeyValue{Name: k, Value: vals[1+i].(string)})
		}
		for i, b := range secrets {
			def.Secrets = append(def.Secrets, containerSecretRef{Name: b.Name, ValueFrom: vals[1+len(keys)+i].(string)})
		}

		rendered, err := json.Marshal([]containerDefinition{def})
		if err != nil {
			return "", err
		}
		return string(rendered), nil
	}).(pulumi.StringOutput)
}
