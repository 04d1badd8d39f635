package compute

import (
	"context"
	"fmt"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"

	"container-job-runner/internal/config"
	"container-job-runner/internal/models"
)

// ACI runs jobs as Azure Container Instances container groups with one container each.
type ACI struct {
	groups        *armcontainerinstance.ContainerGroupsClient
	containers    *armcontainerinstance.ContainersClient
	resourceGroup string
	location      string
}

// NewACI builds the adapter using the default Azure credential chain.
func NewACI(cfg config.Config) (*ACI, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return NewACIWithCredential(cfg, cred)
}

// NewACIWithCredential builds the adapter with an explicit token credential.
func NewACIWithCredential(cfg config.Config, cred azcore.TokenCredential) (*ACI, error) {
	factory, err := armcontainerinstance.NewClientFactory(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("container instance client: %w", err)
	}
	return &ACI{
		groups:        factory.NewContainerGroupsClient(),
		containers:    factory.NewContainersClient(),
		resourceGroup: cfg.ResourceGroup,
		location:      cfg.Location,
	}, nil
}

// Create submits the container group and waits for the provider to accept it.
func (a *ACI) Create(ctx context.Context, spec models.JobSpec) error {
	poller, err := a.groups.BeginCreateOrUpdate(ctx, a.resourceGroup, spec.Name, containerGroup(spec, a.location), nil)
	if err != nil {
		return fmt.Errorf("create container group: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("create container group: %w", err)
	}
	return nil
}

// Status reads the group and container instance views.
func (a *ACI) Status(ctx context.Context, name string) (models.JobStatus, error) {
	resp, err := a.groups.Get(ctx, a.resourceGroup, name, nil)
	if err != nil {
		return models.JobStatus{State: models.StateUnknown}, fmt.Errorf("get container group: %w", err)
	}
	return statusFromGroup(resp.ContainerGroup), nil
}

// Logs returns the last tail lines of the job container output; tail <= 0 means all.
func (a *ACI) Logs(ctx context.Context, name string, tail int) (string, error) {
	var opts *armcontainerinstance.ContainersClientListLogsOptions
	if tail > 0 {
		opts = &armcontainerinstance.ContainersClientListLogsOptions{Tail: to.Ptr(int32(tail))}
	}
	resp, err := a.containers.ListLogs(ctx, a.resourceGroup, name, name, opts)
	if err != nil {
		return "", fmt.Errorf("list logs: %w", err)
	}
	if resp.Content == nil {
		return "", nil
	}
	return *resp.Content, nil
}

// Delete removes the container group and waits for completion or ctx expiry.
func (a *ACI) Delete(ctx context.Context, name string) error {
	poller, err := a.groups.BeginDelete(ctx, a.resourceGroup, name, nil)
	if err != nil {
		return fmt.Errorf("delete container group: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("delete container group: %w", err)
	}
	return nil
}

func containerGroup(spec models.JobSpec, location string) armcontainerinstance.ContainerGroup {
	env := make([]*armcontainerinstance.EnvironmentVariable, 0, len(spec.Env))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:  to.Ptr(k),
			Value: to.Ptr(spec.Env[k]),
		})
	}

	return armcontainerinstance.ContainerGroup{
		Location: to.Ptr(location),
		Identity: &armcontainerinstance.ContainerGroupIdentity{
			Type: to.Ptr(armcontainerinstance.ResourceIdentityTypeUserAssigned),
			UserAssignedIdentities: map[string]*armcontainerinstance.UserAssignedIdentities{
				spec.IdentityID: {},
			},
		},
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyNever),
			ImageRegistryCredentials: []*armcontainerinstance.ImageRegistryCredential{{
				Server:   to.Ptr(spec.Registry),
				Identity: to.Ptr(spec.IdentityID),
			}},
			Containers: []*armcontainerinstance.Container{{
				Name: to.Ptr(spec.Name),
				Properties: &armcontainerinstance.ContainerProperties{
					Image: to.Ptr(spec.Image),
					Resources: &armcontainerinstance.ResourceRequirements{
						Requests: &armcontainerinstance.ResourceRequests{
							CPU:        to.Ptr(spec.CPU),
							MemoryInGB: to.Ptr(spec.MemoryGB),
						},
					},
					EnvironmentVariables: env,
				},
			}},
		},
	}
}

// statusFromGroup prefers the group state and falls back to the container state.
// A terminated container counts as terminal even while the group still reports Running.
func statusFromGroup(group armcontainerinstance.ContainerGroup) models.JobStatus {
	status := models.JobStatus{State: models.StateUnknown}
	props := group.Properties
	if props == nil {
		return status
	}
	if props.InstanceView != nil && props.InstanceView.State != nil && *props.InstanceView.State != "" {
		status.State = *props.InstanceView.State
	}
	if len(props.Containers) == 0 || props.Containers[0] == nil || props.Containers[0].Properties == nil {
		return status
	}
	view := props.Containers[0].Properties.InstanceView
	if view == nil || view.CurrentState == nil {
		return status
	}
	current := view.CurrentState
	if current.ExitCode != nil {
		status.ExitCode = models.IntPtr(int(*current.ExitCode))
	}
	if current.State != nil && *current.State == models.StateTerminated && !models.IsTerminal(status.State) {
		status.State = models.StateTerminated
	}
	if status.State == models.StateUnknown && current.State != nil && *current.State != "" {
		status.State = *current.State
	}
	return status
}
