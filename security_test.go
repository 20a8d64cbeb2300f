package main

import (
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachFirewallPolicyBindsOnce(t *testing.T) {
	var firstErr, secondErr error
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, entryPoint, err := AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		if err != nil {
			return err
		}

		groups := []ManagedRuleGroup{{Name: "AWSManagedRulesCommonRuleSet", VendorName: "AWS"}}
		_, firstErr = AttachFirewallPolicy(ctx, "backend-waf", entryPoint, groups, "allow")
		_, secondErr = AttachFirewallPolicy(ctx, "backend-waf-again", entryPoint, groups, "allow")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, firstErr)
	require.Error(t, secondErr)
	assert.Contains(t, secondErr.Error(), "already has a policy")

	assert.Equal(t, 1, rec.countOf("aws:wafv2/webAcl:WebAcl"))
	assert.Equal(t, 1, rec.countOf("aws:wafv2/webAclAssociation:WebAclAssociation"))
}

func TestAttachFirewallPolicyAllowWithoutRuleGroupsWarnsOnly(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, entryPoint, err := AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		if err != nil {
			return err
		}
		_, err = AttachFirewallPolicy(ctx, "backend-waf", entryPoint, nil, "allow")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.countOf("aws:wafv2/webAcl:WebAcl"))
}

func TestAttachFirewallPolicyRejectsUnknownDefaultAction(t *testing.T) {
	_, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, entryPoint, err := AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		if err != nil {
			return err
		}
		_, err = AttachFirewallPolicy(ctx, "backend-waf", entryPoint, nil, "observe")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default action")
}

func TestGrantImagePullIsIdempotent(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		workload, _, err := AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		if err != nil {
			return err
		}
		if err := GrantImagePull(ctx, workload); err != nil {
			return err
		}
		return GrantImagePull(ctx, workload)
	})
	require.NoError(t, err)

	grants := 0
	for _, attachment := range rec.typed("aws:iam/rolePolicyAttachment:RolePolicyAttachment") {
		if propString(attachment.Inputs["policyArn"]) == imagePullPolicyArn {
			grants++
		}
	}
	assert.Equal(t, 1, grants, "a second grant must not create a duplicate")
}

func TestAllowIngressFromWorkloadNamesTheWorkload(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		network, credential, err := testNetworkAndCredential(ctx)
		if err != nil {
			return err
		}
		dataStore, err := ProvisionDataStore(ctx, "test-db", network, credential, TierPrivate, "appdb", testSizing, 0)
		if err != nil {
			return err
		}
		cluster, err := BuildCluster(ctx, "test", network)
		if err != nil {
			return err
		}
		workload, _, err := AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		if err != nil {
			return err
		}
		_, err = AllowIngressFromWorkload(ctx, "backend-to-db", dataStore, workload, dataStore.Port, "Postgres from the backend only")
		return err
	})
	require.NoError(t, err)

	rules := rec.typed("aws:ec2/securityGroupRule:SecurityGroupRule")
	require.Len(t, rules, 1)
	assert.Equal(t, "backend-sg-id", propString(rules[0].Inputs["sourceSecurityGroupId"]))
	assert.Equal(t, "test-db-sg-id", propString(rules[0].Inputs["securityGroupId"]))
	assert.Equal(t, float64(5432), propNumber(rules[0].Inputs["fromPort"]))
	_, hasCidr := rules[0].Inputs["cidrBlocks"]
	assert.False(t, hasCidr, "database ingress never names an address range")
}

func TestAllowIngressRejectsInvalidCidr(t *testing.T) {
	_, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		network, _, err := testNetworkAndCredential(ctx)
		if err != nil {
			return err
		}
		cluster, err := BuildCluster(ctx, "test", network)
		if err != nil {
			return err
		}
		workload, err := AddStandaloneWorkload(ctx, "frontend", cluster, StandaloneSpec{
			Image:         "registry.example/frontend:latest",
			ContainerPort: 80,
			Cpu:           256,
			MemoryMib:     512,
			DesiredCount:  1,
			Placement:     TierPublic,
			Exposure:      ExposurePolicy{AssignPublicIp: true},
		})
		if err != nil {
			return err
		}
		_, err = AllowIngress(ctx, "frontend-http", workload.SecurityGroup, "not-a-cidr", "tcp", 80, "HTTP")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid source CIDR")
}
