package cmd

import (
	"fmt"

	"lanbeam/app"
	"lanbeam/crypto"
	"lanbeam/models"
)

// newNode builds a node for rt with the progress view wired in. The caller
// may adjust options before the node is built.
func newNode(rt *runtime, view *progressView, configure func(*app.Options)) (*app.Node, error) {
	options := app.Options{
		Config: rt.cfg,
		Store:  rt.store,
		Logger: rt.logger,

		OnNewPeerCertificate: trustOnFirstUse,
	}
	if view != nil {
		options.OnTransferProgress = view.Progress
		options.OnTransferRecordUpdated = view.Record
	}
	if configure != nil {
		configure(&options)
	}
	return app.New(options)
}

// certificateFingerprint returns the grouped fingerprint of the device certificate.
func certificateFingerprint(rt *runtime) (string, error) {
	cert, err := crypto.EnsureCertificate(rt.cfg.CertPath, rt.cfg.KeyPath, rt.cfg.TLSServerName)
	if err != nil {
		return "", err
	}
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("certificate %s is empty", rt.cfg.CertPath)
	}
	return crypto.FormatFingerprint(crypto.Fingerprint(cert.Certificate[0])), nil
}

// trustOnFirstUse pins every new peer and tells the user which certificate
// was accepted.
func trustOnFirstUse(deviceName, fingerprint string) bool {
	fmt.Println(infoStyle.Render(fmt.Sprintf("Trusting %s on first use, certificate %s", deviceName, crypto.FormatFingerprint(fingerprint))))
	return true
}

func finished(record models.TransferRecord) bool {
	return record.Status == models.TransferComplete || record.Status == models.TransferFailed
}

func describeRecord(record models.TransferRecord) string {
	switch record.Status {
	case models.TransferComplete:
		if record.Direction == models.DirectionReceive {
			return successStyle.Render(fmt.Sprintf("✓ received %s (%s) → %s", record.Name, humanBytes(record.Size), record.Path))
		}
		return successStyle.Render(fmt.Sprintf("✓ sent %s (%s)", record.Name, humanBytes(record.Size)))
	case models.TransferFailed:
		return errorStyle.Render(fmt.Sprintf("✗ %s %s failed: %s", record.Direction, record.Name, record.Reason))
	default:
		return infoStyle.Render(fmt.Sprintf("%s %s: %s", record.Direction, record.Name, record.Status))
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
