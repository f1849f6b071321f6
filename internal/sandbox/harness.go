package sandbox

import "fmt"

// The harnesses below are written into the sandbox workspace next to the
// user's model.py and executed inside the container. They communicate one
// JSON result object on their final stdout line.

const validationHarness = `import ast
import importlib.util
import inspect
import json
import sys
import traceback


def validate_code():
    errors = []
    warnings = []
    suggestions = []

    try:
        with open("model.py") as f:
            code = f.read()

        try:
            ast.parse(code)
        except SyntaxError as e:
            errors.append(f"Syntax error: {e}")
            return {"valid": False, "errors": errors, "warnings": warnings, "suggestions": suggestions}

        spec = importlib.util.spec_from_file_location("model", "model.py")
        module = importlib.util.module_from_spec(spec)
        spec.loader.exec_module(module)

        if not hasattr(module, "train_model"):
            errors.append("Missing required function: train_model")
        else:
            sig = inspect.signature(module.train_model)
            if "data_path" not in sig.parameters:
                errors.append("train_model() must accept 'data_path' parameter")

        model_type = %q
        if model_type in ("classification", "regression"):
            if not any(lib in code for lib in ("sklearn", "keras", "tensorflow")):
                suggestions.append(
                    f"Consider using sklearn, keras, or tensorflow for {model_type} tasks"
                )

        for dangerous in ("os.system", "subprocess.call", "eval", "exec"):
            if dangerous in code:
                warnings.append(f"Potentially dangerous code detected: {dangerous}")

    except Exception as e:
        errors.append(f"Validation error: {e}")
        return {
            "valid": False,
            "errors": errors,
            "warnings": warnings,
            "suggestions": suggestions,
            "traceback": traceback.format_exc(),
        }

    return {
        "valid": len(errors) == 0,
        "errors": errors,
        "warnings": warnings,
        "suggestions": suggestions,
    }


if __name__ == "__main__":
    print(json.dumps(validate_code()))
`

const trainingHarness = `import json
import os
import sys
import traceback

from model import train_model


def main():
    try:
        with open("config.json") as f:
            config = json.load(f)

        output_dir = "/workspace/output"
        os.makedirs(output_dir, exist_ok=True)

        metrics = train_model(
            data_path=%q,
            config=config,
            output_dir=output_dir,
        )

        with open(os.path.join(output_dir, "metrics.json"), "w") as f:
            json.dump(metrics, f, indent=2)

        print(json.dumps({"status": "success", "metrics": metrics}))

    except Exception as e:
        print(json.dumps({
            "status": "error",
            "error": str(e),
            "traceback": traceback.format_exc(),
        }))
        sys.exit(1)


if __name__ == "__main__":
    main()
`

// renderValidationHarness embeds the model type into the validation script.
func renderValidationHarness(modelType string) string {
	return fmt.Sprintf(validationHarness, modelType)
}

// renderTrainingHarness embeds the in-container data path into the training
// script.
func renderTrainingHarness(containerDataPath string) string {
	return fmt.Sprintf(trainingHarness, containerDataPath)
}
