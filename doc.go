// Package hvf provides a thread-safe handle layer over Apple's
// Hypervisor.framework on Darwin ARM64, intended as the foundation for a
// virtual-machine monitor.
//
// The package owns three concerns the raw framework leaves to the caller:
// lifetime (a VM or vCPU is only obtainable through construction and is
// released exactly once), serialization (structural VM operations are
// mutually exclusive, and register access on a vCPU queues behind its Run),
// and bookkeeping (guest-physical mappings are tracked in an ordered table
// that rejects overlap before the kernel ever sees the request).
//
// # Requirements
//
//   - macOS with Apple Silicon (ARM64)
//   - Hypervisor entitlement: com.apple.security.hypervisor
//   - Code signing with entitlements
//
// # Basic Usage
//
// Check host capability and create the VM (one per process):
//
//	if ok, _ := hvf.Supported(); !ok {
//		log.Fatal("hypervisor not supported on this system")
//	}
//	vm, err := hvf.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vm.Close()
//
// Guest memory is mapped from page-aligned host buffers. The VM can own the
// buffers for you:
//
//	code, err := vm.AllocateFrom(program)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := vm.MapAllocation(code, 0x4000, hvf.MemRead|hvf.MemExec); err != nil {
//		log.Fatal(err)
//	}
//
// Execution blocks the calling thread until the guest yields:
//
//	vcpu, err := vm.NewVCPU()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vcpu.Close()
//
//	if err := vcpu.SetPC(0x4000); err != nil {
//		log.Fatal(err)
//	}
//	exit, err := vcpu.Run()
//	if err != nil {
//		log.Fatal(err)
//	}
//	switch exit.Reason {
//	case hvf.ExitMemoryFault:
//		fmt.Printf("guest fault at 0x%x\n", exit.FAR)
//	case hvf.ExitCancelled:
//		// another thread called RequestExit or Stop
//	}
//
// Multiple vCPUs of the same VM may run concurrently on distinct threads.
// There is no forceful cancellation of a running vCPU; RequestExit (or
// Stop) signals it to return from Run at its next safe point and is safe
// from any thread.
//
// # Error Handling
//
// All native failure codes are translated into the package taxonomy (see
// Kind) at the foreign-function boundary. Match with errors.Is against the
// exported sentinels, or classify with KindOf. Failures on the destruction
// path are not recoverable and panic rather than silently leaking the
// native resource.
//
// # Testing
//
// The foreign-function layer is an interface (Native) injected through
// WithNative, so the locking and ownership discipline is testable on any
// platform without hardware or entitlements.
package hvf
