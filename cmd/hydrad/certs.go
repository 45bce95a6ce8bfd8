package main

import (
	"fmt"
	"net"

	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/security"
)

// initializeCA loads the cluster CA from store, creating and persisting
// one on first boot, then issues the certificates the mTLS operator
// surface needs: this master's serving certificate and a local operator
// CLI certificate, written where pkg/api and pkg/client load them from.
func initializeCA(store security.CAStore, clusterID, nodeID, apiAddr string) error {
	key := security.DeriveKeyFromClusterID(clusterID)
	if err := security.SetClusterEncryptionKey(key); err != nil {
		return fmt.Errorf("set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		log.Logger.Info().Msg("no cluster CA found, initializing a new one")
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("save CA: %w", err)
		}
	}

	if err := ensureMasterCert(ca, nodeID, apiAddr); err != nil {
		return err
	}
	return ensureCLICert(ca)
}

// ensureMasterCert issues (or rotates) this master's serving
// certificate under the directory pkg/api's NewServer loads from.
func ensureMasterCert(ca *security.CertAuthority, nodeID, apiAddr string) error {
	certDir, err := security.GetCertDir("master", nodeID)
	if err != nil {
		return fmt.Errorf("cert directory: %w", err)
	}
	if security.CertExists(certDir) {
		cert, err := security.LoadCertFromFile(certDir)
		if err == nil && !security.CertNeedsRotation(cert.Leaf) {
			return nil
		}
	}

	host, _, err := net.SplitHostPort(apiAddr)
	if err != nil {
		return fmt.Errorf("parse api address %q: %w", apiAddr, err)
	}
	var ipAddresses []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ipAddresses = []net.IP{ip}
	}
	dnsNames := []string{fmt.Sprintf("master-%s", nodeID), "localhost"}

	cert, err := ca.IssueNodeCertificate(nodeID, "master", dnsNames, ipAddresses)
	if err != nil {
		return fmt.Errorf("issue master certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("save master certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}
	log.Logger.Info().Str("cert_dir", certDir).Msg("master certificate issued")
	return nil
}

// ensureCLICert issues a client certificate for hydractl on this host,
// so an operator sitting on the master can use the CLI without a
// separate enrollment step. Remote operators copy the directory.
func ensureCLICert(ca *security.CertAuthority) error {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return fmt.Errorf("CLI cert directory: %w", err)
	}
	if security.CertExists(certDir) {
		return nil
	}

	cert, err := ca.IssueClientCertificate("operator")
	if err != nil {
		return fmt.Errorf("issue CLI certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("save CLI certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("save CLI CA certificate: %w", err)
	}
	log.Logger.Info().Str("cert_dir", certDir).Msg("operator CLI certificate issued")
	return nil
}
