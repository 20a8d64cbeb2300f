package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Network holds the isolated network and its public/private partitions.
type Network struct {
	Vpc             *ec2.Vpc
	PublicSubnets   []*ec2.Subnet
	PrivateSubnets  []*ec2.Subnet
	InternetGateway *ec2.InternetGateway
	NatGateways     []*ec2.NatGateway
	Region          string

	name string
}

// BuildNetwork creates the VPC with one public and one private subnet per
// availability zone. Private subnets reach the internet only through the
// requested number of shared NAT gateways; with fewer gateways than zones,
// zones share egress.
func BuildNetwork(ctx *pulumi.Context, name, region string, availabilityZoneCount, natGatewayCount int) (*Network, error) {
	if availabilityZoneCount < 1 {
		return nil, fmt.Errorf("network %q: availability zone count must be at least 1, got %d", name, availabilityZoneCount)
	}
	if natGatewayCount < 1 {
		return nil, fmt.Errorf("network %q: NAT gateway count must be at least 1, got %d", name, natGatewayCount)
	}
	if natGatewayCount > availabilityZoneCount {
		return nil, fmt.Errorf("network %q: NAT gateway count %d exceeds availability zone count %d", name, natGatewayCount, availabilityZoneCount)
	}

	// Create VPC
	vpc, err := ec2.NewVpc(ctx, fmt.Sprintf("%s-vpc", name), &ec2.VpcArgs{
		CidrBlock:          pulumi.String("10.0.0.0/16"),
		EnableDnsSupport:   pulumi.Bool(true),
		EnableDnsHostnames: pulumi.Bool(true),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-vpc", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create Internet Gateway
	igw, err := ec2.NewInternetGateway(ctx, fmt.Sprintf("%s-igw", name), &ec2.InternetGatewayArgs{
		VpcId: vpc.ID(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-igw", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create public route table with a default route to the Internet Gateway
	publicRouteTable, err := ec2.NewRouteTable(ctx, fmt.Sprintf("%s-public-rt", name), &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock: pulumi.String("0.0.0.0/0"),
				GatewayId: igw.ID(),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-public-rt", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create one public subnet per availability zone.
	// Public subnets use 10.0.N.0/24, private subnets use 10.0.(100+N).0/24,
	// so the blocks never overlap.
	publicSubnets := make([]*ec2.Subnet, 0, availabilityZoneCount)
	for i := 0; i < availabilityZoneCount; i++ {
		subnetName := fmt.Sprintf("%s-public-subnet-%d", name, i+1)
		subnet, err := ec2.NewSubnet(ctx, subnetName, &ec2.SubnetArgs{
			VpcId:               vpc.ID(),
			CidrBlock:           pulumi.String(fmt.Sprintf("10.0.%d.0/24", i)),
			AvailabilityZone:    pulumi.String(fmt.Sprintf("%s%c", region, 'a'+i)),
			MapPublicIpOnLaunch: pulumi.Bool(true),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(subnetName),
			},
		})
		if err != nil {
			return nil, err
		}

		_, err = ec2.NewRouteTableAssociation(ctx, fmt.Sprintf("%s-public-rt-assoc-%d", name, i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID(),
			RouteTableId: publicRouteTable.ID(),
		})
		if err != nil {
			return nil, err
		}

		publicSubnets = append(publicSubnets, subnet)
	}

	// Allocate the shared outbound NAT gateways in the first public subnets
	natGateways := make([]*ec2.NatGateway, 0, natGatewayCount)
	for i := 0; i < natGatewayCount; i++ {
		eip, err := ec2.NewEip(ctx, fmt.Sprintf("%s-nat-eip-%d", name, i+1), &ec2.EipArgs{
			Vpc: pulumi.Bool(true),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-nat-eip-%d", name, i+1)),
			},
		})
		if err != nil {
			return nil, err
		}

		nat, err := ec2.NewNatGateway(ctx, fmt.Sprintf("%s-nat-%d", name, i+1), &ec2.NatGatewayArgs{
			AllocationId: eip.ID(),
			SubnetId:     publicSubnets[i].ID(),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-nat-%d", name, i+1)),
			},
		})
		if err != nil {
			return nil, err
		}

		natGateways = append(natGateways, nat)
	}

	// Create one private subnet per availability zone, each routed through
	// one of the shared NAT gateways and nothing else.
	privateSubnets := make([]*ec2.Subnet, 0, availabilityZoneCount)
	for i := 0; i < availabilityZoneCount; i++ {
		subnetName := fmt.Sprintf("%s-private-subnet-%d", name, i+1)
		subnet, err := ec2.NewSubnet(ctx, subnetName, &ec2.SubnetArgs{
			VpcId:            vpc.ID(),
			CidrBlock:        pulumi.String(fmt.Sprintf("10.0.%d.0/24", 100+i)),
			AvailabilityZone: pulumi.String(fmt.Sprintf("%s%c", region, 'a'+i)),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(subnetName),
			},
		})
		if err != nil {
			return nil, err
		}

		privateRouteTable, err := ec2.NewRouteTable(ctx, fmt.Sprintf("%s-private-rt-%d", name, i+1), &ec2.RouteTableArgs{
			VpcId: vpc.ID(),
			Routes: ec2.RouteTableRouteArray{
				&ec2.RouteTableRouteArgs{
					CidrBlock:    pulumi.String("0.0.0.0/0"),
					NatGatewayId: natGateways[i%natGatewayCount].ID(),
				},
			},
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-private-rt-%d", name, i+1)),
			},
		})
		if err != nil {
			return nil, err
		}

		_, err = ec2.NewRouteTableAssociation(ctx, fmt.Sprintf("%s-private-rt-assoc-%d", name, i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID(),
			RouteTableId: privateRouteTable.ID(),
		})
		if err != nil {
			return nil, err
		}

		privateSubnets = append(privateSubnets, subnet)
	}

	return &Network{
		Vpc:             vpc,
		PublicSubnets:   publicSubnets,
		PrivateSubnets:  privateSubnets,
		InternetGateway: igw,
		NatGateways:     natGateways,
		Region:          region,
		name:            name,
	}, nil
}

// subnetIDs collects the subnet IDs for use in resource arguments.
func subnetIDs(subnets []*ec2.Subnet) pulumi.StringArray {
	ids := make(pulumi.StringArray, 0, len(subnets))
	for _, s := range subnets {
		ids = append(ids, s.ID())
	}
	return ids
}
