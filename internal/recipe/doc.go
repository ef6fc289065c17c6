// Package recipe defines the build-graph description consumed by the
// orchestrator and the front ends that produce it.
//
// A [Recipe] declares build arguments, an ordered list of stages and the
// default targets. Each [Stage] starts from a base (another stage, an
// external image or "scratch") and carries an ordered list of [Step]s. A
// step is either an operation (run or copy) or a standalone modifier that
// persists environment, working directory or shell for later steps.
//
// Recipes are loaded from YAML with [LoadYAML] or from a Dockerfile with
// [LoadDockerfile]; [Load] picks the front end from the file name. Build
// arguments are resolved once with [ResolveArgs] and substituted into
// instruction words with [Expand].
//
// Example recipe:
//
//	args:
//	  - name: PYTHON_VERSION
//	    default: "3.10"
//	stages:
//	  - name: builder
//	    from: python:${PYTHON_VERSION}
//	    steps:
//	      - workdir: /src
//	      - copy: . /src
//	      - run: python -m build --wheel
//	  - name: client
//	    from: python:${PYTHON_VERSION}-slim
//	    steps:
//	      - copy: builder:/src/dist /wheels
//	      - run: pip install /wheels/*.whl
//	targets: [client]
package recipe
