// file: cmd/kube-notifier/cmd/root.go

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/fx147/kube-notifier/internal/config"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	// rootCmd 代表没有调用子命令时的基础命令
	rootCmd = &cobra.Command{
		Use:   "kube-notifier",
		Short: "Watch Kubernetes resources and forward changes to a webhook",
		Long: `kube-notifier watches one kind of Kubernetes resource and sends a text
notification to a webhook (for example a Slack incoming webhook) for every
change. The watch resumes from a checkpoint after reconnects and restarts,
duplicate events are suppressed, and deliveries are retried with backoff.

It can also register the custom resource definition of the watched kind.`,
		SilenceUsage: true,
		// 如果用户只输入 kube-notifier 而没有子命令，就打印帮助信息
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
)

// Execute 将所有子命令添加到根命令中，并设置标志。
// 这是 main.go 将调用的主函数。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}

func init() {
	// 在所有命令执行前运行的初始化函数
	cobra.OnInitialize(initConfig)

	// --- 定义全局持久标志 ---
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.kube-notifier.yaml or $HOME/.kube-notifier.yaml)")
	rootCmd.PersistentFlags().String("kubeconfig", "", "Path to the kubeconfig file (defaults to $KUBECONFIG, ~/.kube/config or in-cluster)")
	rootCmd.PersistentFlags().String("context", "", "The kubeconfig context to use")

	// --- 将标志与 Viper 绑定 ---
	// 这使得我们可以通过配置文件或环境变量来设置这些值
	_ = viper.BindPFlag("kubeconfig", rootCmd.PersistentFlags().Lookup("kubeconfig"))
	_ = viper.BindPFlag("context", rootCmd.PersistentFlags().Lookup("context"))

	config.SetDefaults(viper.GetViper())

	// --- 添加子命令 ---
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newCheckpointCmd())
}

// initConfig 读取配置文件和环境变量（如果设置了的话）。
func initConfig() {
	if cfgFile != "" {
		// 使用 --config 标志指定的配置文件
		viper.SetConfigFile(cfgFile)
	} else {
		// 查找家目录
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// 1. 先在当前工作目录查找
		viper.AddConfigPath(".")
		// 2. 再在家目录查找
		viper.AddConfigPath(home)

		viper.SetConfigName(".kube-notifier")
		viper.SetConfigType("yaml")
	}

	// 设置环境变量前缀，例如 KUBENOTIFIER_SINK_URL
	viper.SetEnvPrefix("KUBENOTIFIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // 读取匹配的环境变量

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	} else {
		klog.V(2).Infof("Using config file %s", viper.ConfigFileUsed())
	}
}

// bindFlags 在命令真正执行前把它的标志绑定到配置项上。
// 不同子命令可能有同名的配置项，所以不能在 init 中绑定。
func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// loadConfig 读取并返回当前的配置。
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// GetRootCmd 导出 rootCmd 以便 main.go 可以添加 klog 标志
func GetRootCmd() *cobra.Command {
	return rootCmd
}
