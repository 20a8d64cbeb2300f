package main

import (
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCluster(ctx *pulumi.Context) (*Cluster, *Credential, error) {
	network, credential, err := testNetworkAndCredential(ctx)
	if err != nil {
		return nil, nil, err
	}
	cluster, err := BuildCluster(ctx, "test", network)
	if err != nil {
		return nil, nil, err
	}
	return cluster, credential, nil
}

func testBackendSpec(credential *Credential) WorkloadSpec {
	return WorkloadSpec{
		Image:         "registry.example/backend:latest",
		ContainerPort: 8080,
		Cpu:           256,
		MemoryMib:     512,
		DesiredCount:  2,
		Env: map[string]pulumi.StringInput{
			"DB_HOST": pulumi.String("db.internal.example"),
			"DB_PORT": pulumi.String("5432"),
		},
		Secrets: []SecretBinding{
			{Name: "DB_USER", Credential: credential, Field: "username"},
			{Name: "DB_PASSWORD", Credential: credential, Field: "password"},
		},
		HealthCheckPath: "/healthz",
	}
}

func propObject(v resource.PropertyValue) resource.PropertyMap {
	v = propUnwrap(v)
	if v.IsObject() {
		return v.ObjectValue()
	}
	return resource.PropertyMap{}
}

func TestAddLoadBalancedWorkloadCoCreatesEntryPoint(t *testing.T) {
	var entryPoint *PublicEntryPoint
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, entryPoint, err = AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, entryPoint)

	assert.Equal(t, 1, rec.countOf("aws:lb/loadBalancer:LoadBalancer"))
	assert.Equal(t, 1, rec.countOf("aws:lb/targetGroup:TargetGroup"))
	assert.Equal(t, 1, rec.countOf("aws:lb/listener:Listener"))
	assert.Equal(t, 1, rec.countOf("aws:ecs/taskDefinition:TaskDefinition"))

	services := rec.typed("aws:ecs/service:Service")
	require.Len(t, services, 1)
	netCfg := propObject(services[0].Inputs["networkConfiguration"])
	assert.False(t, propBool(netCfg["assignPublicIp"]), "load-balanced tasks stay in the private tier")
	_, registered := services[0].Inputs["loadBalancers"]
	assert.True(t, registered, "the service is registered with its entry point")
}

func TestLoadBalancedWorkloadBindsSecretsByReference(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, _, err = AddLoadBalancedWorkload(ctx, "backend", cluster, testBackendSpec(credential))
		return err
	})
	require.NoError(t, err)

	defs := rec.typed("aws:ecs/taskDefinition:TaskDefinition")
	require.Len(t, defs, 1)
	rendered := propString(defs[0].Inputs["containerDefinitions"])
	assert.Contains(t, rendered, `"valueFrom"`)
	assert.Contains(t, rendered, ":username::")
	assert.Contains(t, rendered, ":password::")
	assert.Contains(t, rendered, `"DB_HOST"`)
	assert.NotContains(t, rendered, mockPassword, "the generated value must never appear in the task definition")
}

func TestAddLoadBalancedWorkloadRejectsNonPositiveSizing(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		spec := testBackendSpec(credential)
		spec.DesiredCount = 0
		_, _, err = AddLoadBalancedWorkload(ctx, "backend", cluster, spec)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "desired count")
	assert.Zero(t, rec.countOf("aws:ecs/service:Service"))
}

func TestAddStandaloneWorkloadPublicExposure(t *testing.T) {
	rec, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, _, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, err = AddStandaloneWorkload(ctx, "frontend", cluster, StandaloneSpec{
			Image:         "registry.example/frontend:latest",
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
		return err
	})
	require.NoError(t, err)

	services := rec.typed("aws:ecs/service:Service")
	require.Len(t, services, 1)
	netCfg := propObject(services[0].Inputs["networkConfiguration"])
	assert.True(t, propBool(netCfg["assignPublicIp"]))

	assert.Zero(t, rec.countOf("aws:lb/loadBalancer:LoadBalancer"), "standalone workloads get no load balancer")
}

func TestAddStandaloneWorkloadPublicIpRequiresPublicTier(t *testing.T) {
	_, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, _, err := testCluster(ctx)
		if err != nil {
			return err
		}
		_, err = AddStandaloneWorkload(ctx, "frontend", cluster, StandaloneSpec{
			Image:         "registry.example/frontend:latest",
			ContainerPort: 80,
			Cpu:           256,
			MemoryMib:     512,
			DesiredCount:  1,
			Placement:     TierPrivate,
			Exposure:      ExposurePolicy{AssignPublicIp: true},
		})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public tier")
}

func TestSecretBindingRejectsUnknownField(t *testing.T) {
	_, err := runWithMocks(t, func(ctx *pulumi.Context) error {
		cluster, credential, err := testCluster(ctx)
		if err != nil {
			return err
		}
		spec := testBackendSpec(credential)
		spec.Secrets = []SecretBinding{{Name: "DB_TOKEN", Credential: credential, Field: "token"}}
		_, _, err = AddLoadBalancedWorkload(ctx, "backend", cluster, spec)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}
