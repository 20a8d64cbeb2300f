package main

import (
	"fmt"
	"net"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/wafv2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const imagePullPolicyArn = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"

// SecurityRule is a directional network permission attached to a security
// group.
type SecurityRule struct {
	Rule *ec2.SecurityGroupRule
}

// ManagedRuleGroup names one vendor-managed firewall rule group.
type ManagedRuleGroup struct {
	Name       string
	VendorName string
}

// FirewallPolicy is a managed rule set bound to exactly one public entry
// point.
type FirewallPolicy struct {
	WebAcl      *wafv2.WebAcl
	Association *wafv2.WebAclAssociation
}

// AllowIngress permits inbound traffic to the target security group from an
// address range.
func AllowIngress(ctx *pulumi.Context, name string, target *ec2.SecurityGroup, sourceCidr, protocol string, port int, description string) (*SecurityRule, error) {
	if target == nil {
		return nil, fmt.Errorf("security rule %q: a target security group is required", name)
	}
	if _, _, err := net.ParseCIDR(sourceCidr); err != nil {
		return nil, fmt.Errorf("security rule %q: invalid source CIDR %q", name, sourceCidr)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("security rule %q: port %d is out of range", name, port)
	}

	rule, err := ec2.NewSecurityGroupRule(ctx, name, &ec2.SecurityGroupRuleArgs{
		Type:            pulumi.String("ingress"),
		SecurityGroupId: target.ID(),
		CidrBlocks:      pulumi.StringArray{pulumi.String(sourceCidr)},
		Protocol:        pulumi.String(protocol),
		FromPort:        pulumi.Int(port),
		ToPort:          pulumi.Int(port),
		Description:     pulumi.String(description),
	})
	if err != nil {
		return nil, err
	}
	return &SecurityRule{Rule: rule}, nil
}

// AllowIngressFromWorkload permits inbound connections to the data store
// from one specific workload. The source is always the workload's security
// group; address ranges are not accepted here.
func AllowIngressFromWorkload(ctx *pulumi.Context, name string, dataStore *DataStore, from *Workload, port int, description string) (*SecurityRule, error) {
	if dataStore == nil {
		return nil, fmt.Errorf("security rule %q: a data store is required", name)
	}
	if from == nil {
		return nil, fmt.Errorf("security rule %q: a source workload is required", name)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("security rule %q: port %d is out of range", name, port)
	}

	rule, err := ec2.NewSecurityGroupRule(ctx, name, &ec2.SecurityGroupRuleArgs{
		Type:                  pulumi.String("ingress"),
		SecurityGroupId:       dataStore.SecurityGroup.ID(),
		SourceSecurityGroupId: from.SecurityGroup.ID(),
		Protocol:              pulumi.String("tcp"),
		FromPort:              pulumi.Int(port),
		ToPort:                pulumi.Int(port),
		Description:           pulumi.String(description),
	})
	if err != nil {
		return nil, err
	}
	return &SecurityRule{Rule: rule}, nil
}

// AttachFirewallPolicy binds a web application firewall policy to the entry
// point. Each entry point takes at most one policy.
func AttachFirewallPolicy(ctx *pulumi.Context, name string, entryPoint *PublicEntryPoint, ruleGroups []ManagedRuleGroup, defaultAction string) (*FirewallPolicy, error) {
	if entryPoint == nil {
		return nil, fmt.Errorf("firewall policy %q: an entry point is required", name)
	}
	if entryPoint.firewall != nil {
		return nil, fmt.Errorf("firewall policy %q: entry point %q already has a policy bound", name, entryPoint.name)
	}
	if defaultAction != "allow" && defaultAction != "block" {
		return nil, fmt.Errorf("firewall policy %q: default action must be allow or block, got %q", name, defaultAction)
	}
	if defaultAction == "allow" && len(ruleGroups) == 0 {
		if err := ctx.Log.Warn(fmt.Sprintf("firewall policy %q: default action allow with no managed rule groups leaves %q unfiltered", name, entryPoint.name), nil); err != nil {
			return nil, err
		}
	}

	rules := wafv2.WebAclRuleArray{}
	for i, group := range ruleGroups {
		rules = append(rules, &wafv2.WebAclRuleArgs{
			Name:     pulumi.String(group.Name),
			Priority: pulumi.Int(i + 1),
			OverrideAction: &wafv2.WebAclRuleOverrideActionArgs{
				None: &wafv2.WebAclRuleOverrideActionNoneArgs{},
			},
			Statement: &wafv2.WebAclRuleStatementArgs{
				ManagedRuleGroupStatement: &wafv2.WebAclRuleStatementManagedRuleGroupStatementArgs{
					Name:       pulumi.String(group.Name),
					VendorName: pulumi.String(group.VendorName),
				},
			},
			VisibilityConfig: &wafv2.WebAclRuleVisibilityConfigArgs{
				CloudwatchMetricsEnabled: pulumi.Bool(true),
				MetricName:               pulumi.String(group.Name),
				SampledRequestsEnabled:   pulumi.Bool(true),
			},
		})
	}

	defaultActionArgs := &wafv2.WebAclDefaultActionArgs{}
	if defaultAction == "allow" {
		defaultActionArgs.Allow = &wafv2.WebAclDefaultActionAllowArgs{}
	} else {
		defaultActionArgs.Block = &wafv2.WebAclDefaultActionBlockArgs{}
	}

	webAcl, err := wafv2.NewWebAcl(ctx, name, &wafv2.WebAclArgs{
		Scope:         pulumi.String("REGIONAL"),
		DefaultAction: defaultActionArgs,
		Rules:         rules,
		VisibilityConfig: &wafv2.WebAclVisibilityConfigArgs{
			CloudwatchMetricsEnabled: pulumi.Bool(true),
			MetricName:               pulumi.String(name),
			SampledRequestsEnabled:   pulumi.Bool(true),
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	association, err := wafv2.NewWebAclAssociation(ctx, fmt.Sprintf("%s-assoc", name), &wafv2.WebAclAssociationArgs{
		ResourceArn: entryPoint.LoadBalancer.Arn,
		WebAclArn:   webAcl.Arn,
	})
	if err != nil {
		return nil, err
	}

	policy := &FirewallPolicy{
		WebAcl:      webAcl,
		Association: association,
	}
	entryPoint.firewall = policy
	return policy, nil
}

// GrantImagePull attaches the task execution policy that lets the workload
// pull its container image. Granting twice is a no-op.
func GrantImagePull(ctx *pulumi.Context, workload *Workload) error {
	if workload == nil {
		return fmt.Errorf("image pull grant: a workload is required")
	}
	if workload.pullGrant != nil {
		return nil
	}

	grant, err := iam.NewRolePolicyAttachment(ctx, fmt.Sprintf("%s-image-pull", workload.name), &iam.RolePolicyAttachmentArgs{
		Role:      workload.ExecutionRole.Name,
		PolicyArn: pulumi.String(imagePullPolicyArn),
	})
	if err != nil {
		return err
	}
	workload.pullGrant = grant
	return nil
}
