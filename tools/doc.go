// Package tools defines the tools a model may call and the environment they
// run in.
//
// A Tool declares its name, Kind and JSON schema, describes what it is about
// to do through ConfirmationDetails and runs with Execute. Tools whose Kind
// is a mutator (edit, delete, move, execute) change state outside the
// process and need approval unless the approval mode allows them.
//
// The built-in file, search and shell tools work against an Environment,
// normally a LocalEnvironment rooted at the working directory:
//
//	env, err := tools.NewLocalEnvironment(dir)
//	if err != nil {
//	    return err
//	}
//	reg := tools.NewRegistry()
//	tools.RegisterBuiltins(reg, env, tools.DefaultBuiltinOptions())
package tools
