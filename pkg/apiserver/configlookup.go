package apiserver

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const callTimeout = 5 * time.Second

// GetConfigMapKey implements discovery.ConfigLookup.
func (c *Client) GetConfigMapKey(ctx context.Context, namespace, name, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cm, err := c.typed.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v, ok := cm.Data[key]; ok {
		return []byte(v), true, nil
	}
	if v, ok := cm.BinaryData[key]; ok {
		return v, true, nil
	}
	return nil, false, nil
}

// GetSecretKey implements discovery.ConfigLookup.
func (c *Client) GetSecretKey(ctx context.Context, namespace, name, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	secret, err := c.typed.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, ok := secret.Data[key]
	return v, ok, nil
}
