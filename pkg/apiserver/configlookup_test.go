package apiserver

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func newTestClient(objects ...runtime.Object) *Client {
	return &Client{typed: k8sfake.NewSimpleClientset(objects...)}
}

func TestGetConfigMapKeyFound(t *testing.T) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "settings", Namespace: "default"},
		Data:       map[string]string{"username": "alice"},
	}
	c := newTestClient(cm)

	v, ok, err := c.GetConfigMapKey(context.Background(), "default", "settings", "username")
	if err != nil {
		t.Fatalf("GetConfigMapKey: %v", err)
	}
	if !ok || string(v) != "alice" {
		t.Fatalf("expected (alice, true), got (%q, %v)", v, ok)
	}
}

func TestGetConfigMapKeyMissingKey(t *testing.T) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "settings", Namespace: "default"},
		Data:       map[string]string{"other": "x"},
	}
	c := newTestClient(cm)

	_, ok, err := c.GetConfigMapKey(context.Background(), "default", "settings", "username")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestGetConfigMapKeyMissingConfigMap(t *testing.T) {
	c := newTestClient()

	_, ok, err := c.GetConfigMapKey(context.Background(), "default", "missing", "username")
	if err != nil || ok {
		t.Fatalf("expected (false, nil) for a missing ConfigMap, got (%v, %v)", ok, err)
	}
}

func TestGetSecretKeyFound(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "creds", Namespace: "default"},
		Data:       map[string][]byte{"password": []byte("hunter2")},
	}
	c := newTestClient(secret)

	v, ok, err := c.GetSecretKey(context.Background(), "default", "creds", "password")
	if err != nil {
		t.Fatalf("GetSecretKey: %v", err)
	}
	if !ok || string(v) != "hunter2" {
		t.Fatalf("expected (hunter2, true), got (%q, %v)", v, ok)
	}
}
