package descriptor

// AcceptedResourceTypes are the configuration item types the compliance
// service can trigger a change-notification rule on.
var AcceptedResourceTypes = []string{
	"AWS::ApiGateway::Stage",
	"AWS::ApiGatewayV2::Stage",
	"AWS::ApiGateway::RestApi",
	"AWS::ApiGatewayV2::Api",
	"AWS::CloudFront::Distribution",
	"AWS::CloudFront::StreamingDistribution",
	"AWS::CloudWatch::Alarm",
	"AWS::DynamoDB::Table",
	"AWS::EC2::Volume",
	"AWS::EC2::Host",
	"AWS::EC2::EIP",
	"AWS::EC2::Instance",
	"AWS::EC2::NetworkInterface",
	"AWS::EC2::SecurityGroup",
	"AWS::EC2::NatGateway",
	"AWS::EC2::EgressOnlyInternetGateway",
	"AWS::EC2::FlowLog",
	"AWS::EC2::VPCEndpoint",
	"AWS::EC2::VPCEndpointService",
	"AWS::EC2::VPCPeeringConnection",
	"AWS::ECR::Repository",
	"AWS::ECS::Cluster",
	"AWS::ECS::TaskDefinition",
	"AWS::ECS::Service",
	"AWS::ECS::TaskSet",
	"AWS::EFS::FileSystem",
	"AWS::EFS::AccessPoint",
	"AWS::EKS::Cluster",
	"AWS::Elasticsearch::Domain",
	"AWS::QLDB::Ledger",
	"AWS::Kineses::Stream",
	"AWS::Kineses::StreamConsumer",
	"AWS::Redshift::Cluster",
	"AWS::Redshift::ClusterParameterGroup",
	"AWS::Redshift::ClusterSecurityGroup",
	"AWS::Redshift::ClusterSnapshot",
	"AWS::Redshift::ClusterSubnetGroup",
	"AWS::Redshift::EventSubscription",
	"AWS::RDS::DBInstance",
	"AWS::RDS::DBSecurityGroup",
	"AWS::RDS::DBSnapshot",
	"AWS::RDS::DBSubnetGroup",
	"AWS::RDS::EventSubscription",
	"AWS::RDS::DBCluster",
	"AWS::RDS::DBClusterSnapshot",
	"AWS::SNS::Topic",
	"AWS::SQS::Queue",
	"AWS::S3::Bucket",
	"AWS::S3::AccountPublicAccessBlock",
	"AWS::EC2::CustomerGateway",
	"AWS::EC2::InternetGateway",
	"AWS::EC2::NetworkAcl",
	"AWS::EC2::RouteTable",
	"AWS::EC2::Subnet",
	"AWS::EC2::VPC",
	"AWS::EC2::VPNConnection",
	"AWS::EC2::VPNGateway",
	"AWS::AutoScaling::AutoScalingGroup",
	"AWS::AutoScaling::LaunchConfiguration",
	"AWS::AutoScaling::ScalingPolicy",
	"AWS::AutoScaling::ScheduledAction",
	"AWS::Backup::BackupPlan",
	"AWS::Backup::BackupSelection",
	"AWS::Backup::BackupVault",
	"AWS::Backup::RecoveryPoint",
	"AWS::ACM::Certificate",
	"AWS::CloudFormation::Stack",
	"AWS::CloudTrail::Trail",
	"AWS::CodeBuild::Project",
	"AWS::CodePipeline::Pipeline",
	"AWS::Config::ResourceCompliance",
	"AWS::Config::ConformancePackCompliance",
	"AWS::ElasticBeanstalk::Application",
	"AWS::ElasticBeanstalk::ApplicationVersion",
	"AWS::ElasticBeanstalk::Environment",
	"AWS::IAM::User",
	"AWS::IAM::Group",
	"AWS::IAM::Role",
	"AWS::IAM::Policy",
	"AWS::KMS::Key",
	"AWS::Lambda::Function",
	"AWS::NetworkFirewall::Firewall",
	"AWS::NetworkFirewall::FirewallPolicy",
	"AWS::NetworkFirewall::RuleGroup",
	"AWS::SecretsManager::Secret",
	"AWS::ServiceCatalog::CloudFormationProduct",
	"AWS::ServiceCatalog::CloudFormationProvisionedProduct",
	"AWS::ServiceCatalog::Portfolio",
	"AWS::Shield::Protection",
	"AWS::ShieldRegional::Protection",
	"AWS::SSM::ManagedInstanceInventory",
	"AWS::SSM::PatchCompliance",
	"AWS::SSM::AssociationCompliance",
	"AWS::SSM::FileData",
	"AWS::WAF::RateBasedRule",
	"AWS::WAF::Rule",
	"AWS::WAF::WebACL",
	"AWS::WAF::RuleGroup",
	"AWS::WAFRegional::RateBasedRule",
	"AWS::WAFRegional::Rule",
	"AWS::WAFRegional::WebACL",
	"AWS::WAFRegional::RuleGroup",
	"AWS::WAFv2::WebACL",
	"AWS::WAFv2::RuleGroup",
	"AWS::WAFv2::ManagedRuleSet",
	"AWS::XRay::EncryptionConfig",
	"AWS::ElasticLoadBalancingV2::LoadBalancer",
	"AWS::ElasticLoadBalancing::LoadBalancer",
}

var acceptedResourceTypes = func() map[string]struct{} {
	m := make(map[string]struct{}, len(AcceptedResourceTypes))
	for _, t := range AcceptedResourceTypes {
		m[t] = struct{}{}
	}
	return m
}()

// IsAcceptedResourceType reports whether t can be used as a change trigger.
func IsAcceptedResourceType(t string) bool {
	_, ok := acceptedResourceTypes[t]
	return ok
}
