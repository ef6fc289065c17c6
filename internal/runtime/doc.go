// Package runtime runs stage steps inside containerd sandboxes.
//
// A [Runtime] connects to a containerd daemon. [Runtime.Open] turns a base
// snapshot into an image archive, imports it under a digest-derived tag,
// unpacks it for the target platform and starts a container with a fresh
// fuse-overlayfs snapshot running a long-lived idle task.
//
// Each [Container] serves one stage execution. Commands run as exec
// processes attached to the idle task, tar streams are copied in with
// [Container.CopyTo], and the final root filesystem is streamed out with
// [Container.Export]. Destroy the container to release its snapshot and
// task.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "stagehand")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.Open(ctx, base, "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, []string{"/bin/sh", "-c", "echo hello"}, nil, "")
//	if err != nil {
//	    return err
//	}
//
//	if err := ctr.Export(ctx, w); err != nil {
//	    return err
//	}
package runtime
