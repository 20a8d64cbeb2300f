package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// SubnetTier selects a public or private partition of the network.
type SubnetTier string

const (
	TierPublic  SubnetTier = "public"
	TierPrivate SubnetTier = "private"
)

const dataStorePort = 5432

// DataStoreSizing describes the instance class and storage bounds of a
// managed database.
type DataStoreSizing struct {
	EngineVersion         string
	InstanceClass         string
	AllocatedStorageGb    int
	MaxAllocatedStorageGb int
}

// DataStore is a managed Postgres instance reachable only inside the
// network's private tier.
type DataStore struct {
	Instance      *rds.Instance
	SubnetGroup   *rds.SubnetGroup
	SecurityGroup *ec2.SecurityGroup
	DbName        string
	Port          int

	name string
}

// ProvisionDataStore creates the managed database in the network's private
// subnets. The instance is never publicly reachable, and its security group
// starts with no ingress; access is granted per workload through
// AllowIngressFromWorkload.
//
// retentionDays of zero selects the non-production destruction policy: no
// retained backups and no final snapshot. A positive value enables both
// backups and deletion protection.
func ProvisionDataStore(ctx *pulumi.Context, name string, network *Network, credential *Credential, placement SubnetTier, dbName string, sizing DataStoreSizing, retentionDays int) (*DataStore, error) {
	if placement != TierPrivate {
		return nil, fmt.Errorf("data store %q: placement must resolve to the private tier, got %q", name, placement)
	}
	if network == nil || len(network.PrivateSubnets) == 0 {
		return nil, fmt.Errorf("data store %q: network has no private subnets to place the instance in", name)
	}
	if credential == nil {
		return nil, fmt.Errorf("data store %q: a credential is required", name)
	}
	if sizing.EngineVersion == "" || sizing.InstanceClass == "" {
		return nil, fmt.Errorf("data store %q: engine version and instance class are required", name)
	}
	if sizing.AllocatedStorageGb < 1 {
		return nil, fmt.Errorf("data store %q: allocated storage must be positive, got %d", name, sizing.AllocatedStorageGb)
	}
	if sizing.MaxAllocatedStorageGb < sizing.AllocatedStorageGb {
		return nil, fmt.Errorf("data store %q: max allocated storage %d is below allocated storage %d", name, sizing.MaxAllocatedStorageGb, sizing.AllocatedStorageGb)
	}
	if retentionDays < 0 {
		return nil, fmt.Errorf("data store %q: retention days must not be negative, got %d", name, retentionDays)
	}

	// Create the database security group with no ingress rules
	securityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Inbound access to the %s database", name)),
		Egress:      egressAllowAll(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-sg", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create subnet group over the private tier
	subnetGroup, err := rds.NewSubnetGroup(ctx, fmt.Sprintf("%s-subnet-group", name), &rds.SubnetGroupArgs{
		SubnetIds: subnetIDs(network.PrivateSubnets),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-subnet-group", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create the database instance
	instance, err := rds.NewInstance(ctx, name, &rds.InstanceArgs{
		Engine:              pulumi.String("postgres"),
		EngineVersion:       pulumi.String(sizing.EngineVersion),
		InstanceClass:       pulumi.String(sizing.InstanceClass),
		AllocatedStorage:    pulumi.Int(sizing.AllocatedStorageGb),
		MaxAllocatedStorage: pulumi.Int(sizing.MaxAllocatedStorageGb),
		DbName:              pulumi.String(dbName),
		Port:                pulumi.Int(dataStorePort),
		Username:            pulumi.String(credential.Username),
		Password:            credential.passwordValue(),
		DbSubnetGroupName:   subnetGroup.Name,
		VpcSecurityGroupIds: pulumi.StringArray{securityGroup.ID()},
		// The database is reached exclusively through the private tier.
		PubliclyAccessible:    pulumi.Bool(false),
		StorageEncrypted:      pulumi.Bool(true),
		BackupRetentionPeriod: pulumi.Int(retentionDays),
		SkipFinalSnapshot:     pulumi.Bool(retentionDays == 0),
		DeletionProtection:    pulumi.Bool(retentionDays > 0),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	return &DataStore{
		Instance:      instance,
		SubnetGroup:   subnetGroup,
		SecurityGroup: securityGroup,
		DbName:        dbName,
		Port:          dataStorePort,
		name:          name,
	}, nil
}

// egressAllowAll is the unrestricted outbound rule set shared by the
// security groups in this topology.
func egressAllowAll() ec2.SecurityGroupEgressArray {
	return ec2.SecurityGroupEgressArray{
		&ec2.SecurityGroupEgressArgs{
			Protocol:    pulumi.String("-1"),
			FromPort:    pulumi.Int(0),
			ToPort:      pulumi.Int(0),
			CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
			Description: pulumi.String("Allow all outbound traffic"),
		},
	}
}
