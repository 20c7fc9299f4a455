package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/noemahq/noema/internal/core"
)

// Provisioning walks an explicit state machine per offer:
//
//	SearchOffers → RentOffer → WaitRunning → AttachSshKey → VerifySsh → Provisioned
//
// A failure after RentOffer destroys the instance and moves to the next
// offer. Up to MaxOffers fresh offers are tried, falling back across GPU
// types in preference order.
type provisionState string

const (
	stateSearchOffers provisionState = "SearchOffers"
	stateRentOffer    provisionState = "RentOffer"
	stateWaitRunning  provisionState = "WaitRunning"
	stateAttachSSHKey provisionState = "AttachSshKey"
	stateVerifySSH    provisionState = "VerifySsh"
	stateProvisioned  provisionState = "Provisioned"
)

// ProvisionConfig drives one provisioning run.
type ProvisionConfig struct {
	GPUTypes    []string // preference order
	MaxOffers   int      // fresh offers to try in total, default 3
	Image       string
	DiskGB      float64
	Env         map[string]string
	Label       string
	RunningWait time.Duration // max wait for actual_status=running
	SSHUser     string
	SSHKeyPath  string
	SSHPubKey   string
}

func (c *ProvisionConfig) defaults() {
	if c.MaxOffers <= 0 {
		c.MaxOffers = 3
	}
	if c.RunningWait <= 0 {
		c.RunningWait = 5 * time.Minute
	}
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.DiskGB <= 0 {
		c.DiskGB = 40
	}
}

// Provisioned is a verified, reachable instance.
type Provisioned struct {
	Instance *Instance
	Runner   CommandRunner
	Attempts int
}

// CommandRunner executes a shell command on the instance. Abstracted so the
// monitor can be tested without a live box.
type CommandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Addr() string
}

// runnerFactory builds a CommandRunner for a running instance. Swapped in
// tests.
type runnerFactory func(host string, port int, user, keyPath string) (CommandRunner, error)

// Provisioner owns the rent-and-verify loop.
type Provisioner struct {
	client     *VastClient
	newRunner  runnerFactory
	logger     *log.Logger
	statePoll  time.Duration // GetInstance cadence during WaitRunning
	sshRetries int
	sshBackoff time.Duration
}

func NewProvisioner(client *VastClient) *Provisioner {
	return &Provisioner{
		client:     client,
		newRunner:  newSSHRunner,
		logger:     log.New(log.Writer(), "[PROVISION] ", log.LstdFlags),
		statePoll:  10 * time.Second,
		sshRetries: 3,
		sshBackoff: 20 * time.Second,
	}
}

// Provision tries offers until one survives SSH verification or the budget
// runs out.
func (p *Provisioner) Provision(ctx context.Context, cfg ProvisionConfig) (*Provisioned, error) {
	cfg.defaults()

	attempts := 0
	var lastErr error
	for _, gpu := range cfg.GPUTypes {
		if attempts >= cfg.MaxOffers {
			break
		}
		p.logger.Printf("[%s] searching %s offers", stateSearchOffers, gpu)
		offers, err := p.client.SearchOffers(ctx, gpu, cfg.MaxOffers)
		if err != nil {
			lastErr = err
			continue
		}

		for _, offer := range offers {
			if attempts >= cfg.MaxOffers {
				break
			}
			attempts++

			prov, err := p.tryOffer(ctx, offer, cfg)
			if err != nil {
				lastErr = err
				p.logger.Printf("⚠️ Offer %d (%s, $%.3f/h) failed: %v", offer.ID, offer.GPUName, offer.DphTotal, err)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			prov.Attempts = attempts
			p.logger.Printf("[%s] instance %d ready after %d attempt(s)", stateProvisioned, prov.Instance.ID, attempts)
			return prov, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no rentable offers found")
	}
	return nil, core.Wrap(core.KindUpstreamFailed, lastErr, "provisioning failed after %d offer(s)", attempts)
}

// tryOffer runs the per-offer leg of the state machine. Any failure after a
// successful rent tears the instance down before returning.
func (p *Provisioner) tryOffer(ctx context.Context, offer Offer, cfg ProvisionConfig) (*Provisioned, error) {
	p.logger.Printf("[%s] renting offer %d (%s, $%.3f/h)", stateRentOffer, offer.ID, offer.GPUName, offer.DphTotal)
	instanceID, err := p.client.RentOffer(ctx, offer.ID, RentRequest{
		Image:  cfg.Image,
		DiskGB: cfg.DiskGB,
		Env:    cfg.Env,
		Label:  cfg.Label,
	})
	if err != nil {
		return nil, err
	}

	destroy := func() {
		// Teardown must survive a cancelled provisioning context.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if derr := p.client.DestroyInstance(dctx, instanceID); derr != nil {
			p.logger.Printf("⚠️ Failed to destroy instance %d: %v", instanceID, derr)
		}
	}

	inst, err := p.waitRunning(ctx, instanceID, cfg.RunningWait)
	if err != nil {
		destroy()
		return nil, err
	}

	p.logger.Printf("[%s] instance %d", stateAttachSSHKey, instanceID)
	if cfg.SSHPubKey != "" {
		if err := p.client.AttachSSHKey(ctx, instanceID, cfg.SSHPubKey); err != nil {
			destroy()
			return nil, err
		}
	}

	runner, err := p.verifySSH(ctx, inst, cfg)
	if err != nil {
		destroy()
		return nil, err
	}

	return &Provisioned{Instance: inst, Runner: runner}, nil
}

func (p *Provisioner) waitRunning(ctx context.Context, instanceID int64, maxWait time.Duration) (*Instance, error) {
	p.logger.Printf("[%s] instance %d", stateWaitRunning, instanceID)
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(p.statePoll)
	defer ticker.Stop()

	for {
		inst, err := p.client.GetInstance(ctx, instanceID)
		if err == nil && inst.ActualStatus == "running" && inst.SSHHost != "" {
			return inst, nil
		}
		if err == nil && inst.ActualStatus == "exited" {
			return nil, fmt.Errorf("instance %d exited while booting", instanceID)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %d not running after %s", instanceID, maxWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provisioner) verifySSH(ctx context.Context, inst *Instance, cfg ProvisionConfig) (CommandRunner, error) {
	p.logger.Printf("[%s] instance %d at %s:%d", stateVerifySSH, inst.ID, inst.SSHHost, inst.SSHPort)
	runner, err := p.newRunner(inst.SSHHost, inst.SSHPort, cfg.SSHUser, cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.sshRetries; attempt++ {
		out, err := runner.Run(ctx, "echo ok")
		if err == nil && bytes.Contains([]byte(out), []byte("ok")) {
			return runner, nil
		}
		lastErr = err
		if attempt == p.sshRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * p.sshBackoff):
		}
	}
	return nil, fmt.Errorf("ssh verification failed for instance %d: %v", inst.ID, lastErr)
}

// ============================================================================
// SSH RUNNER
// ============================================================================

type sshRunner struct {
	addr   string
	config *ssh.ClientConfig
}

func newSSHRunner(host string, port int, user, keyPath string) (CommandRunner, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &sshRunner{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Instances are ephemeral; host keys are never known in advance.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         15 * time.Second,
		},
	}, nil
}

func (r *sshRunner) Addr() string { return r.addr }

// Run opens a fresh session per command. Long gaps between polls make a
// persistent connection more fragile than a redial.
func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	client, err := ssh.Dial("tcp", r.addr, r.config)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", r.addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("ssh command failed: %w (stderr: %s)", err, stderr.String())
		}
		return stdout.String(), nil
	}
}
