// score.go grades individual secrets, workloads, and services; collect.go
// gathers the inputs.
package compliance

import (
	"fmt"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/kubekattle/kred/pkg/api"
)

// DataTierLabel marks services fronting stateful stores. The stack
// provisioner stamps it on db and cache components.
const DataTierLabel = "kred.kubekattle.io/data-tier"

// classifySecret grades one secret's age against its rotation policy.
func classifySecret(record api.SecretRecord, policy Policy) api.SecretFinding {
	finding := api.SecretFinding{SecretRecord: record, Status: api.SecretSecure}
	if record.RotationPolicyDays <= 0 {
		// Nothing to grade against. DueInDays stays zero; infinities do not
		// survive JSON encoding.
		return finding
	}
	policyDays := float64(record.RotationPolicyDays)
	if record.LastRotatedAt.IsZero() {
		finding.Status = api.SecretOverdue
		return finding
	}
	finding.DueInDays = policyDays - record.AgeDays
	switch {
	case record.AgeDays >= policyDays:
		finding.Status = api.SecretOverdue
	case record.AgeDays >= policyDays*(1-policy.WarnFraction):
		finding.Status = api.SecretWarning
	}
	return finding
}

// analyzeWorkload scores one deployment's pod template. Every container has
// to pass a check for the point to count; container settings fall back to
// the pod-level security context where one exists.
func analyzeWorkload(dep *appsv1.Deployment) (api.WorkloadPosture, []string) {
	spec := dep.Spec.Template.Spec
	podSC := spec.SecurityContext
	containers := append([]corev1.Container{}, spec.InitContainers...)
	containers = append(containers, spec.Containers...)
	if len(containers) == 0 {
		return api.WorkloadPosture{}, []string{"pod template has no containers"}
	}

	posture := api.WorkloadPosture{
		RunAsNonRoot:           true,
		NoPrivilegeEscalation:  true,
		ReadOnlyRootFilesystem: true,
		DropsAllCapabilities:   true,
		LimitsAndProbes:        true,
	}
	for _, c := range containers {
		sc := c.SecurityContext
		if !runsAsNonRoot(sc, podSC) {
			posture.RunAsNonRoot = false
		}
		if sc == nil || sc.AllowPrivilegeEscalation == nil || *sc.AllowPrivilegeEscalation {
			posture.NoPrivilegeEscalation = false
		}
		if sc == nil || sc.ReadOnlyRootFilesystem == nil || !*sc.ReadOnlyRootFilesystem {
			posture.ReadOnlyRootFilesystem = false
		}
		if sc == nil || sc.Capabilities == nil || len(sc.Capabilities.Drop) == 0 {
			posture.DropsAllCapabilities = false
		}
		if len(c.Resources.Limits) == 0 || c.LivenessProbe == nil || c.ReadinessProbe == nil {
			posture.LimitsAndProbes = false
		}
	}

	var notes []string
	if !posture.RunAsNonRoot {
		notes = append(notes, "may run as root")
	}
	if !posture.NoPrivilegeEscalation {
		notes = append(notes, "privilege escalation not disabled")
	}
	if !posture.ReadOnlyRootFilesystem {
		notes = append(notes, "root filesystem writable")
	}
	if !posture.DropsAllCapabilities {
		notes = append(notes, "capabilities not dropped")
	}
	if !posture.LimitsAndProbes {
		notes = append(notes, "missing resource limits or probes")
	}
	return posture, notes
}

func runsAsNonRoot(sc *corev1.SecurityContext, podSC *corev1.PodSecurityContext) bool {
	if sc != nil {
		if sc.RunAsNonRoot != nil {
			return *sc.RunAsNonRoot
		}
		if sc.RunAsUser != nil {
			return *sc.RunAsUser > 0
		}
	}
	if podSC != nil {
		if podSC.RunAsNonRoot != nil {
			return *podSC.RunAsNonRoot
		}
		if podSC.RunAsUser != nil {
			return *podSC.RunAsUser > 0
		}
	}
	return false
}

// classifyService grades one service's exposure. A data-tier service
// reachable from outside the cluster is the one finding kred treats as
// critical on its own.
func classifyService(svc *corev1.Service) api.ServiceFinding {
	finding := api.ServiceFinding{
		Name:      svc.Name,
		Namespace: svc.Namespace,
		Exposure:  string(svc.Spec.Type),
	}
	if finding.Exposure == "" {
		finding.Exposure = string(corev1.ServiceTypeClusterIP)
	}
	for _, port := range svc.Spec.Ports {
		finding.Ports = append(finding.Ports, port.Port)
	}
	finding.DataTier = isDataTier(svc.Labels)
	external := svc.Spec.Type == corev1.ServiceTypeNodePort || svc.Spec.Type == corev1.ServiceTypeLoadBalancer
	if finding.DataTier && external {
		finding.Critical = true
		finding.Reason = fmt.Sprintf("data-tier service exposed outside the cluster via %s", svc.Spec.Type)
	}
	return finding
}

func isDataTier(labels map[string]string) bool {
	if labels[DataTierLabel] == "true" {
		return true
	}
	switch strings.ToLower(labels["app.kubernetes.io/component"]) {
	case "database", "db", "cache", "datastore":
		return true
	}
	return false
}

// overallStatus folds every finding into the single report grade.
func overallStatus(report *api.Report, policy Policy) api.OverallStatus {
	for _, svc := range report.Services {
		if svc.Critical {
			return api.OverallCritical
		}
	}
	anyFinding := false
	for _, secret := range report.Secrets {
		if secret.Status == api.SecretOverdue {
			return api.OverallWarning
		}
		if secret.Status == api.SecretWarning {
			anyFinding = true
		}
	}
	for _, workload := range report.Workloads {
		if workload.HardeningScore <= policy.MinHardeningScore {
			return api.OverallWarning
		}
		if workload.HardeningScore < 5 {
			anyFinding = true
		}
	}
	for _, svc := range report.Services {
		if svc.Exposure == string(corev1.ServiceTypeNodePort) || svc.Exposure == string(corev1.ServiceTypeLoadBalancer) {
			anyFinding = true
		}
	}
	if anyFinding {
		return api.OverallGood
	}
	return api.OverallExcellent
}

func summarize(report *api.Report) api.ReportSummary {
	summary := api.ReportSummary{
		SecretsTotal:   len(report.Secrets),
		WorkloadsTotal: len(report.Workloads),
		ServicesTotal:  len(report.Services),
	}
	for _, secret := range report.Secrets {
		switch secret.Status {
		case api.SecretSecure:
			summary.SecretsSecure++
		case api.SecretWarning:
			summary.SecretsWarning++
		case api.SecretOverdue:
			summary.SecretsOverdue++
		}
	}
	total := 0
	for _, workload := range report.Workloads {
		total += workload.HardeningScore
	}
	if len(report.Workloads) > 0 {
		summary.AverageHardeningScore = float64(total) / float64(len(report.Workloads))
	}
	for _, svc := range report.Services {
		if svc.Critical {
			summary.CriticalFindings++
		}
	}
	return summary
}

func sortFindings(report *api.Report) {
	sort.Slice(report.Secrets, func(i, j int) bool { return report.Secrets[i].Name < report.Secrets[j].Name })
	sort.Slice(report.Workloads, func(i, j int) bool { return report.Workloads[i].Name < report.Workloads[j].Name })
	sort.Slice(report.Services, func(i, j int) bool { return report.Services[i].Name < report.Services[j].Name })
}
