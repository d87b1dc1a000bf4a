package cluster

import "errors"

// ErrClusterUnavailable covers missing and inactive credential records.
var ErrClusterUnavailable = errors.New("cluster: not found or inactive")

// ErrBadKubeconfig indicates stored or submitted credential content that is
// not a usable kubeconfig after both the decrypt and plaintext paths.
var ErrBadKubeconfig = errors.New("cluster: invalid kubeconfig")
