package netpolicy

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// K8sConfig configures the NetworkPolicy object applied to a
// sandbox's namespace. FQDN-level allowlisting (manifest.Manifest.EgressDomains)
// is not expressible in the NetworkPolicy API, which only understands
// IP blocks and pod/namespace selectors — so this policy does not
// enforce it. DomainProxy is this package's FQDN-level mechanism, and
// no code in this module routes sandbox egress through it. K8sConfig only ever narrows the IP
// space the NetworkPolicy allows; it does not replace FQDN enforcement.
type K8sConfig struct {
	DenyOutCIDRs      []string
	ProxyNamespace    string // namespace hosting the credential/delegation proxy sidecars, always reachable
	SandboxNamespace  string
}

// ApplyK8s creates or updates the sandbox egress NetworkPolicy in the
// given namespace, grounded on internal/namespace/manager.go's
// buildNetworkPolicy (DNS-to-kube-system allow, same-namespace allow,
// optional same-cluster proxy-namespace allow, then an internet-wide
// allow with DenyOutCIDRs carved out as exceptions).
func ApplyK8s(ctx context.Context, clientset kubernetes.Interface, namespace string, cfg K8sConfig, unrestricted bool) error {
	if unrestricted {
		return deleteIfExists(ctx, clientset, namespace)
	}

	np := buildNetworkPolicy(namespace, cfg)
	_, err := clientset.NetworkingV1().NetworkPolicies(namespace).Get(ctx, np.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, np, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("netpolicy: create network policy in %s: %w", namespace, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("netpolicy: get network policy in %s: %w", namespace, err)
	}
	_, err = clientset.NetworkingV1().NetworkPolicies(namespace).Update(ctx, np, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("netpolicy: update network policy in %s: %w", namespace, err)
	}
	return nil
}

func deleteIfExists(ctx context.Context, clientset kubernetes.Interface, namespace string) error {
	err := clientset.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, policyName, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("netpolicy: delete network policy in %s: %w", namespace, err)
	}
	return nil
}

const policyName = "agent-sandbox-egress"
const managedByLabel = "managed-by"
const managedByValue = "agentsupervisor"

func buildNetworkPolicy(namespace string, cfg K8sConfig) *networkingv1.NetworkPolicy {
	dnsPort := intstr.FromInt32(53)
	protoUDP := corev1.ProtocolUDP
	protoTCP := corev1.ProtocolTCP

	egress := []networkingv1.NetworkPolicyEgressRule{
		{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
				},
			}},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &protoUDP, Port: &dnsPort},
				{Protocol: &protoTCP, Port: &dnsPort},
			},
		},
		{
			To: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}},
		},
	}

	if cfg.ProxyNamespace != "" {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{"kubernetes.io/metadata.name": cfg.ProxyNamespace},
				},
			}},
		})
	}

	if len(cfg.DenyOutCIDRs) > 0 {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: cfg.DenyOutCIDRs},
			}},
		})
	} else {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0"},
			}},
		})
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      policyName,
			Namespace: namespace,
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{managedByLabel: managedByValue},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
}
