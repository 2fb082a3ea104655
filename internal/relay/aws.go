package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/metrics"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

const (
	opRunInstances       = "run_instances"
	opWaitRunning        = "wait_running"
	opTerminateInstances = "terminate_instances"

	runningTimeout = 2 * time.Minute
)

type ec2API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// AWSProvisioner runs one EC2 instance per active session. The session tier
// picks the instance type and the region picks the image.
type AWSProvisioner struct {
	images        map[string]string
	instanceTypes map[model.Tier]string
	subnetID      string
	securityGroup []string
	keyName       string
	retry         backoff
	log           logrus.FieldLogger
	newClient     func(ctx context.Context, region string) (ec2API, error)
}

type AWSProvisionerOptions struct {
	AMIByRegion   map[string]string
	InstanceTypes map[model.Tier]string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
	Logger        logrus.FieldLogger
}

func NewAWSProvisioner(opts AWSProvisionerOptions) (*AWSProvisioner, error) {
	if len(opts.AMIByRegion) == 0 {
		return nil, fmt.Errorf("AMIByRegion is required")
	}
	types := map[model.Tier]string{
		model.TierSmall:  "t4g.small",
		model.TierMedium: "t4g.medium",
		model.TierLarge:  "t4g.large",
	}
	for tier, it := range opts.InstanceTypes {
		if !tier.Valid() {
			return nil, fmt.Errorf("InstanceTypes: unknown tier %q", tier)
		}
		if it = strings.TrimSpace(it); it != "" {
			types[tier] = it
		}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AWSProvisioner{
		images:        opts.AMIByRegion,
		instanceTypes: types,
		subnetID:      strings.TrimSpace(opts.SubnetID),
		securityGroup: opts.SecurityGroup,
		keyName:       strings.TrimSpace(opts.KeyName),
		retry:         backoff{attempts: 4, base: 250 * time.Millisecond, max: 2 * time.Second},
		log:           log,
		newClient: func(ctx context.Context, region string) (ec2API, error) {
			cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("aws config: %w", err)
			}
			return ec2.NewFromConfig(cfg), nil
		},
	}, nil
}

func (p *AWSProvisioner) instanceTypeFor(tier model.Tier) (string, error) {
	it, ok := p.instanceTypes[tier]
	if !ok {
		return "", fmt.Errorf("no instance type configured for tier %q", tier)
	}
	return it, nil
}

func (p *AWSProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	image := strings.TrimSpace(p.images[req.Region])
	if image == "" {
		return ProvisionResult{}, fmt.Errorf("no AMI configured for region %s", req.Region)
	}
	instanceType, err := p.instanceTypeFor(req.Tier)
	if err != nil {
		return ProvisionResult{}, err
	}
	client, err := p.newClient(ctx, req.Region)
	if err != nil {
		return ProvisionResult{}, err
	}

	in := p.runInput(req, image, instanceType)
	fields := logrus.Fields{"session_id": req.SessionID, "tier": req.Tier}

	var computeID string
	err = p.call(ctx, opRunInstances, req.Region, fields, func(ctx context.Context) error {
		out, err := client.RunInstances(ctx, in)
		if err != nil {
			return err
		}
		if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
			return errors.New("no instance returned")
		}
		computeID = aws.ToString(out.Instances[0].InstanceId)
		return nil
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("run instances: %w", err)
	}

	fields["compute_id"] = computeID
	var address string
	err = p.call(ctx, opWaitRunning, req.Region, fields, func(ctx context.Context) error {
		waiter := ec2.NewInstanceRunningWaiter(client)
		out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{computeID}}, runningTimeout)
		if err != nil {
			return err
		}
		address = publicAddress(out)
		return nil
	})
	if err != nil {
		return ProvisionResult{ComputeID: computeID}, fmt.Errorf("wait running: %w", err)
	}
	if address == "" {
		return ProvisionResult{ComputeID: computeID}, fmt.Errorf("instance %s has no public ip", computeID)
	}
	return ProvisionResult{
		ComputeID:    computeID,
		ImageID:      image,
		InstanceType: instanceType,
		PublicIP:     address,
	}, nil
}

func (p *AWSProvisioner) runInput(req ProvisionRequest, image, instanceType string) *ec2.RunInstancesInput {
	session := strconv.FormatUint(req.SessionID, 10)
	tag := func(k, v string) ec2types.Tag { return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)} }
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				tag("Name", "quorum-session-"+session),
				tag("ManagedBy", "quorum-control-plane"),
				tag("QuorumSessionID", session),
				tag("QuorumInstanceID", strconv.FormatUint(req.InstanceID, 10)),
				tag("QuorumTier", string(req.Tier)),
			},
		}},
	}
	if p.keyName != "" {
		in.KeyName = aws.String(p.keyName)
	}
	switch {
	case p.subnetID != "":
		in.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			SubnetId:                 aws.String(p.subnetID),
			Groups:                   p.securityGroup,
		}}
	case len(p.securityGroup) > 0:
		in.SecurityGroupIds = p.securityGroup
	}
	return in
}

// Deprovision terminates the session's instance. An instance that is already
// gone counts as terminated.
func (p *AWSProvisioner) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	if strings.TrimSpace(req.ComputeID) == "" {
		return nil
	}
	client, err := p.newClient(ctx, req.Region)
	if err != nil {
		return err
	}
	fields := logrus.Fields{"session_id": req.SessionID, "compute_id": req.ComputeID}
	err = p.call(ctx, opTerminateInstances, req.Region, fields, func(ctx context.Context) error {
		_, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{req.ComputeID}})
		return err
	})
	if err != nil && classify(err) != failureGone {
		return fmt.Errorf("terminate instance: %w", err)
	}
	return nil
}

// call runs fn under the retry policy and records one latency sample and one
// status sample for the whole call.
func (p *AWSProvisioner) call(ctx context.Context, op, region string, fields logrus.Fields, fn func(context.Context) error) error {
	log := p.log.WithFields(fields).WithFields(logrus.Fields{"op": op, "region": region})
	start := time.Now()
	err := p.retry.do(ctx, log, op, region, fn)
	durMS := float64(time.Since(start).Milliseconds())

	status := "ok"
	if err != nil {
		status = "error"
		if classify(err) == failureGone {
			status = "gone"
		}
	}
	log.WithFields(logrus.Fields{
		"metric":      "aws_call",
		"status":      status,
		"duration_ms": int64(durMS),
	}).Debug("aws call finished")
	labels := metrics.Labels{"op": op, "region": region, "status": status}
	metrics.Default().Inc("quorum_aws_operations_total", labels)
	metrics.Default().Observe("quorum_aws_operation_latency_ms", durMS, labels)
	return err
}

type failure int

const (
	failureFatal failure = iota
	failureTransient
	failureGone
)

var (
	transientCodes = map[string]bool{
		"RequestLimitExceeded":         true,
		"Throttling":                   true,
		"ThrottlingException":          true,
		"RequestThrottled":             true,
		"EC2ThrottledException":        true,
		"ServiceUnavailable":           true,
		"InternalError":                true,
		"RequestTimeout":               true,
		"InsufficientInstanceCapacity": true,
	}
	goneCodes = map[string]bool{
		"InvalidInstanceID.NotFound": true,
		"IncorrectInstanceState":     true,
	}
)

func classify(err error) failure {
	code := errorCode(err)
	switch {
	case transientCodes[code]:
		return failureTransient
	case goneCodes[code]:
		return failureGone
	default:
		return failureFatal
	}
}

// errorCode returns the AWS API error code, or a placeholder for errors that
// did not come from the API.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	if code := strings.TrimSpace(apiErr.ErrorCode()); code != "" {
		return code
	}
	return "unknown"
}

// backoff retries transient failures with capped exponential delays.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func (b backoff) do(ctx context.Context, log logrus.FieldLogger, op, region string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || classify(err) != failureTransient {
			return err
		}
		if attempt >= b.attempts {
			metrics.Default().Inc("quorum_aws_retry_exhausted_total", metrics.Labels{"op": op, "region": region})
			return err
		}
		metrics.Default().Inc("quorum_aws_retries_total", metrics.Labels{"op": op, "region": region, "reason": errorCode(err)})

		delay := jitter(b.delay(attempt))
		log.WithFields(logrus.Fields{
			"event":    "aws_retry",
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"err":      err,
		}).Warn("retrying aws call")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base << (attempt - 1)
	if d > b.max || d <= 0 {
		return b.max
	}
	return d
}

// jitter spreads d over [d/10, d).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	floor := d / 10
	span := int64(d - floor)
	if span <= 0 {
		return floor
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(n.Int64())
}

func publicAddress(out *ec2.DescribeInstancesOutput) string {
	if out == nil {
		return ""
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if ip := strings.TrimSpace(aws.ToString(inst.PublicIpAddress)); ip != "" {
				return ip
			}
		}
	}
	return ""
}
